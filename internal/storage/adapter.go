package storage

import "fmt"

// NewAdapter returns the adapter selected by config.Driver. The adapter is
// not connected.
func NewAdapter(config *StorageConfig) (Adapter, error) {
	if config == nil {
		config = DefaultStorageConfig()
	}

	switch config.Driver {
	case "", DriverMemory:
		return NewMemoryAdapter(config.HistoryLimit), nil
	case DriverPostgres:
		return NewPostgresAdapter(config), nil
	case DriverRedis:
		return NewRedisAdapter(config)
	case DriverBolt:
		return NewBoltAdapter(config), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, config.Driver)
}
