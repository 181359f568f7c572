package main

import (
	"context"

	"github.com/viam-modules/srm/srm"

	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("srm"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	srmModule, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = srmModule.AddModelFromRegistry(ctx, motor.API, srm.Model); err != nil {
		return err
	}

	err = srmModule.Start(ctx)
	defer srmModule.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
