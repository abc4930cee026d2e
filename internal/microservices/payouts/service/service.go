package service

type Service struct {
	Scheduler *Scheduler
	Policies  *PolicyStore
}

func New(scheduler *Scheduler, policies *PolicyStore) *Service {
	return &Service{Scheduler: scheduler, Policies: policies}
}
