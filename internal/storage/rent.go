package storage

// AccountStorageOverhead is the per-account metadata size charged on top of the data.
const AccountStorageOverhead = 128

// Rent prices storage as lamports per byte-year, exempt after ExemptionYears.
type Rent struct {
	LamportsPerByteYear int64
	ExemptionYears      int64
}

// DefaultRent matches the usual ledger runtime defaults.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: 3480,
		ExemptionYears:      2,
	}
}

// MinimumBalance is the rent-exempt cost of an account holding size bytes.
func (r Rent) MinimumBalance(size int) int64 {
	return (AccountStorageOverhead + int64(size)) * r.LamportsPerByteYear * r.ExemptionYears
}
