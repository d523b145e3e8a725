package aria2

import "strconv"

// statusPayload is a partial view of aria2.tellStatus. aria2 encodes all
// numeric values as decimal strings.
type statusPayload struct {
	Gid             string `json:"gid"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	Connections     string `json:"connections"`
	Status          string `json:"status"`
}

// Status is one poll's snapshot of a live download.
type Status struct {
	Gid             string
	TotalLength     uint64
	CompletedLength uint64
	DownloadSpeed   uint64
	Connections     uint64
}

func (p statusPayload) toStatus(gid string) *Status {
	if p.Gid != "" {
		gid = p.Gid
	}
	return &Status{
		Gid:             gid,
		TotalLength:     parseUint(p.TotalLength, 1), // avoid divide-by-zero in Progress
		CompletedLength: parseUint(p.CompletedLength, 0),
		DownloadSpeed:   parseUint(p.DownloadSpeed, 0),
		Connections:     parseUint(p.Connections, 0),
	}
}

func parseUint(s string, def uint64) uint64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// Progress returns completion as a percentage.
func (s *Status) Progress() float64 {
	if s.TotalLength == 0 {
		return 0
	}
	return float64(s.CompletedLength) / float64(s.TotalLength) * 100.0
}

// TotalSizeMB returns the total length in mebibytes.
func (s *Status) TotalSizeMB() float64 {
	return float64(s.TotalLength) / (1024.0 * 1024.0)
}

// CompletedMB returns the completed length in mebibytes.
func (s *Status) CompletedMB() float64 {
	return float64(s.CompletedLength) / (1024.0 * 1024.0)
}
