package service

type Service struct {
	Aggregator *Aggregator
}

func New(aggregator *Aggregator) *Service {
	return &Service{Aggregator: aggregator}
}
