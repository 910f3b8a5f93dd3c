package scanning

// SeverityCounts is a per-bucket breakdown of a finding set.
type SeverityCounts struct {
	Critical int
	High     int
	Medium   int
	Low      int
	Info     int
}

// Sum returns the number of findings across every bucket.
func (c SeverityCounts) Sum() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

func (c *SeverityCounts) add(sev Severity) {
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		c.Info++
	}
}

// Stats aggregates a scan's findings.
type Stats struct {
	Counts       SeverityCounts
	Total        int
	AvgRiskScore float64
	MaxRiskScore float64
}

// ComputeStats aggregates findings. An empty set yields all zeros.
func ComputeStats(findings []Finding) Stats {
	var s Stats
	if len(findings) == 0 {
		return s
	}

	var sum float64
	for i := range findings {
		f := &findings[i]
		s.Counts.add(f.Severity)
		sum += f.RiskScore
		if f.RiskScore > s.MaxRiskScore {
			s.MaxRiskScore = f.RiskScore
		}
	}
	s.Total = len(findings)
	s.AvgRiskScore = sum / float64(s.Total)

	return s
}
