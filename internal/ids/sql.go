package ids

import (
	"database/sql/driver"
	"fmt"
)

// Value implements driver.Valuer; identifiers are stored as 16-byte BLOBs.
func (d DID) Value() (driver.Value, error) { return d[:], nil }

// Value implements driver.Valuer.
func (o OID) Value() (driver.Value, error) { return o[:], nil }

// Value implements driver.Valuer.
func (s SID) Value() (driver.Value, error) { return s[:], nil }

func scanID(dst []byte, src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into identifier", src)
	}
	if len(b) != Len {
		return fmt.Errorf("identifier column holds %d bytes, want %d", len(b), Len)
	}
	copy(dst, b)
	return nil
}

// Scan implements sql.Scanner.
func (d *DID) Scan(src any) error { return scanID(d[:], src) }

// Scan implements sql.Scanner.
func (o *OID) Scan(src any) error { return scanID(o[:], src) }

// Scan implements sql.Scanner.
func (s *SID) Scan(src any) error { return scanID(s[:], src) }
