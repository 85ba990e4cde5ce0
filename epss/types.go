package epss

import "strconv"

// Record is one CVE row from the EPSS API. Scores arrive as decimal
// strings; use Score and PercentileValue for parsed forms.
type Record struct {
	CVE        string `json:"cve" msgpack:"cve"`
	EPSS       string `json:"epss" msgpack:"epss"`
	Percentile string `json:"percentile" msgpack:"percentile"`
	Date       string `json:"date" msgpack:"date"` // YYYY-MM-DD
}

// Score returns the EPSS probability as a float in [0,1].
func (r Record) Score() (float64, error) {
	return strconv.ParseFloat(r.EPSS, 64)
}

// PercentileValue returns the percentile as a float in [0,1].
func (r Record) PercentileValue() (float64, error) {
	return strconv.ParseFloat(r.Percentile, 64)
}

// Envelope is the full EPSS API response: status, paging metadata, and
// data rows. The cache layer treats it as an opaque serialized value.
type Envelope struct {
	Status     string   `json:"status" msgpack:"status"`
	StatusCode int      `json:"status-code" msgpack:"status-code"`
	Version    string   `json:"version" msgpack:"version"`
	Access     string   `json:"access,omitempty" msgpack:"access,omitempty"`
	Total      int      `json:"total" msgpack:"total"`
	Offset     int      `json:"offset" msgpack:"offset"`
	Limit      int      `json:"limit" msgpack:"limit"`
	Data       []Record `json:"data" msgpack:"data"`
}

const statusOK = "OK"

// OK reports whether the API answered with a successful status.
func (e *Envelope) OK() bool { return e.Status == statusOK }
