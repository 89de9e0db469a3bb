package constants

// Channel identifiers for the host notification mechanism.
//
// The driver owns channel 0 and clients are numbered from CliChOffset.
// The state channel carries driver up/down transitions and is placed
// after the last client channel (CliChOffset + NumClients).
const (
	// DriverCh is the notification channel shared with the block driver
	DriverCh = 0

	// CliChOffset is the channel of client 0; client i uses CliChOffset + i
	CliChOffset = 1
)

// Default configuration constants
const (
	// DefaultTransferSize is the atomic transfer unit in bytes seen by
	// clients and used for bounce buffer granularity
	DefaultTransferSize = 4096

	// DefaultSectorSize is the device sector size in bytes assumed until
	// the driver publishes its own
	DefaultSectorSize = 512

	// DefaultNumClients is the default number of client domains
	DefaultNumClients = 1

	// DefaultDriverQueueSize is the default driver ring size in entries.
	// The bookkeeping table is sized to match, so this also bounds the
	// number of in-flight driver requests.
	DefaultDriverQueueSize = 128

	// DefaultClientQueueSize is the default per-client ring size in entries
	DefaultClientQueueSize = 128

	// DefaultDriverDataRegionSize is the default size of the driver DMA
	// data region in bytes (512 bounce buffers at the default transfer size)
	DefaultDriverDataRegionSize = 512 * DefaultTransferSize

	// DefaultClientDataRegionSize is the default size of each client data
	// region in bytes
	DefaultClientDataRegionSize = 128 * DefaultTransferSize
)
