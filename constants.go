package blkvirt

import "github.com/behrlich/go-blkvirt/internal/constants"

// Re-export constants for public API
const (
	DriverCh    = constants.DriverCh
	CliChOffset = constants.CliChOffset

	DefaultTransferSize         = constants.DefaultTransferSize
	DefaultSectorSize           = constants.DefaultSectorSize
	DefaultNumClients           = constants.DefaultNumClients
	DefaultDriverQueueSize      = constants.DefaultDriverQueueSize
	DefaultClientQueueSize      = constants.DefaultClientQueueSize
	DefaultDriverDataRegionSize = constants.DefaultDriverDataRegionSize
	DefaultClientDataRegionSize = constants.DefaultClientDataRegionSize
)
