package extractionconfig

import "context"

// Repository stores configurations. Create and Update clear the default
// flag on every other configuration in the same atomic step when the
// written configuration is the default.
type Repository interface {
	List(ctx context.Context) ([]*Config, error)
	GetByID(ctx context.Context, id string) (*Config, error)
	GetDefault(ctx context.Context) (*Config, error)
	Create(ctx context.Context, c *Config) error
	// Update loads the configuration, applies mutate and stores the result
	// without another writer interleaving. An error from mutate aborts the
	// write and is returned unchanged.
	Update(ctx context.Context, id string, mutate func(*Config) error) (*Config, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}
