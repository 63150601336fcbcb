package config

import "testing"

func TestApplyDefaults(t *testing.T) {
	s := Settings{Servers: []ServerSpec{{ID: "a"}}}
	s.applyDefaults()

	if s.APIPort != defaultAPIPort {
		t.Fatalf("APIPort = %d, want %d", s.APIPort, defaultAPIPort)
	}
	if s.Servers[0].Hostname != "localhost" {
		t.Fatalf("Hostname = %q, want localhost", s.Servers[0].Hostname)
	}
	if s.Servers[0].HealthCheckPath != "/" {
		t.Fatalf("HealthCheckPath = %q, want /", s.Servers[0].HealthCheckPath)
	}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	s := Settings{Servers: []ServerSpec{{ID: "  "}}}
	if err := s.validate(); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestValidateRejectsDuplicateID(t *testing.T) {
	s := Settings{Servers: []ServerSpec{{ID: "a"}, {ID: "a"}}}
	if err := s.validate(); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestValidateRejectsPortOutOfRange(t *testing.T) {
	s := Settings{Servers: []ServerSpec{{ID: "a", Port: 70000}}}
	if err := s.validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

// Duplicate port declarations across specs are legal at load time: a
// collision only matters once two servers both try to bind it, which is
// a start-time condition enforced by the supervisor, not here.
func TestValidateAcceptsDuplicatePortDeclarations(t *testing.T) {
	s := Settings{Servers: []ServerSpec{
		{ID: "a", Port: 9001},
		{ID: "b", Port: 9001},
	}}
	if err := s.validate(); err != nil {
		t.Fatalf("unexpected error for duplicate port declarations: %v", err)
	}
}

func TestValidateAcceptsWellFormedSpecs(t *testing.T) {
	s := Settings{Servers: []ServerSpec{
		{ID: "a", Port: 9001, Hostname: "localhost"},
		{ID: "b", Port: 9002, Hostname: "127.0.0.1"},
	}}
	if err := s.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
