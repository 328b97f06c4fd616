package deed

// Deed is a unique, non-fungible property title. The zero address in
// Approved means no transfer delegate is set.
type Deed struct {
	ID       uint64
	Owner    [20]byte
	Approved [20]byte
	TokenURI string
	MintedAt uint64
}

// Clone returns a copy of the deed.
func (d *Deed) Clone() *Deed {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// HasApproval reports whether a transfer delegate is set.
func (d *Deed) HasApproval() bool {
	return d != nil && d.Approved != ([20]byte{})
}
