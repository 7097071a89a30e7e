package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State          string `json:"state"`
	DeviceCount    int    `json:"device_count"`
	ReadyDevices   int    `json:"ready_devices"`
	FaultedDevices int    `json:"faulted_devices"`
}

type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() *devices.Manager
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
