package model

// Service is one scored target and the checkers able to drive it.
type Service struct {
	ID   int
	Name string

	FlagsPerRoundMultiplier  int
	NoisesPerRoundMultiplier int
	HavocsPerRoundMultiplier int
	WeightFactor             int

	// Checkers holds HTTP base URLs; at least one is required.
	Checkers []string

	// Flagstores is discovered from the checker's info route, zero until then.
	Flagstores int
}

// Clone returns a copy with its own checker slice.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Checkers = append([]string(nil), s.Checkers...)
	return &cp
}
