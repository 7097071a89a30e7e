// Package drivers collects the device families built into the server.
package drivers

import (
	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/knauer"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/runze"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/switchbox"
)

// Builtin returns a registry holding every built-in driver.
func Builtin() (*driver.Registry, error) {
	return driver.NewRegistry(
		switchbox.New(),
		runze.New(),
		knauer.New(),
	)
}
