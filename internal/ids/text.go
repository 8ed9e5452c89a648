package ids

// Identifiers encode as lowercase hex in JSON and YAML, including as map keys.

func (d DID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }
func (o OID) MarshalText() ([]byte, error) { return []byte(o.String()), nil }
func (s SID) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (d *DID) UnmarshalText(b []byte) error {
	v, err := ParseDID(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (o *OID) UnmarshalText(b []byte) error {
	v, err := ParseOID(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

func (s *SID) UnmarshalText(b []byte) error {
	v, err := ParseSID(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
