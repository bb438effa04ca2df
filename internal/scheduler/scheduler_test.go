package scheduler

import "testing"

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("reminder-batch", "* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerAddJobInvalidSpec(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("reminder-batch", "not a cron spec", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}
