package instrument

// Querier defines a request/response instrument (real or simulated).
type Querier interface {
	Name() string
	Query() (float64, error)
	Close() error
}

// Ensure Channel implements Querier.
var _ Querier = (*Channel)(nil)
