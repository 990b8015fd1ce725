package termoweb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Temp is a temperature as the backend speaks it: reads may carry numbers or
// strings, writes must be strings with exactly one decimal ("16.0") or the
// backend can reject them.
type Temp float64

func (t Temp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(fmt.Sprintf("%.1f", float64(t)))), nil
}

func (t *Temp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("temperature %q: %w", s, err)
		}
		*t = Temp(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*t = Temp(v)
	return nil
}

// Addr is a node address; firmware revisions send it as a number or a string.
type Addr string

func (a *Addr) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Addr(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = Addr(n.String())
	return nil
}

// Level is a small enum the backend sends as a bare number or a string, like
// a heater's charge priority.
type Level string

func (l *Level) UnmarshalJSON(b []byte) error {
	return (*Addr)(l).UnmarshalJSON(b)
}

// HeaterSettings is the settings payload for one heater node. Both REST reads
// and realtime push bodies use this shape, and either may carry a subset of
// the fields, so everything is optional.
type HeaterSettings struct {
	Mode     *string `json:"mode,omitempty"`
	State    *string `json:"state,omitempty"`
	MTemp    *Temp   `json:"mtemp,omitempty"`
	STemp    *Temp   `json:"stemp,omitempty"`
	Units    *string `json:"units,omitempty"`
	PTemp    []Temp  `json:"ptemp,omitempty"`
	Prog     []int   `json:"prog,omitempty"`
	Priority *Level  `json:"priority,omitempty"`
	MaxPower *Temp   `json:"max_power,omitempty"`
	Name     *string `json:"name,omitempty"`
}

// HeaterWrite is a partial settings update. Only non-nil fields are sent so
// unrelated settings are never clobbered; Units is always included.
type HeaterWrite struct {
	Mode  *string `json:"mode,omitempty"`
	STemp *Temp   `json:"stemp,omitempty"`
	Prog  []int   `json:"prog,omitempty"`
	PTemp []Temp  `json:"ptemp,omitempty"`
	Units string  `json:"units"`
}

type wireDevice struct {
	DevID    Addr   `json:"dev_id"`
	ID       Addr   `json:"id"`
	SerialID Addr   `json:"serial_id"`
	Name     string `json:"name"`
}

// id returns the first populated identifier; firmware revisions disagree on
// which key carries it.
func (d wireDevice) id() string {
	for _, v := range []Addr{d.DevID, d.ID, d.SerialID} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

type wireNode struct {
	Addr Addr   `json:"addr"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type devsResponse struct {
	Devs    []wireDevice `json:"devs"`
	Devices []wireDevice `json:"devices"`
}

type nodesResponse struct {
	Nodes []wireNode `json:"nodes"`
}
