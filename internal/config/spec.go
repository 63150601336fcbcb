// Package config owns the declarative description of the supervised
// server set: decoding, defaulting, validation, and atomic persistence.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/riverpath/devservers/pkg/hostutil"
)

// ServerSpec is the immutable, user-authored description of one supervised
// server. It is reloaded wholesale; nothing here is mutated at runtime.
type ServerSpec struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	WorkingDir      string `json:"workingDir"`
	Command         string `json:"command"`
	Port            int    `json:"port,omitempty"`
	Hostname        string `json:"hostname"`
	HealthCheckPath string `json:"healthCheckPath"`
	UseHTTPS        bool   `json:"useHttps"`
	AutoStart       bool   `json:"autoStart"`
	Visible         bool   `json:"visible"`
}

// Settings is the top-level decoded configuration document.
type Settings struct {
	Servers    []ServerSpec `json:"servers"`
	APIPort    int          `json:"apiPort,omitempty"`
	ExtraPaths []string     `json:"extraPaths,omitempty"`
}

const defaultAPIPort = 7378

// applyDefaults fills in the zero-value defaults for an omitted field.
// Mutates s in place; called once right after decode.
func (s *Settings) applyDefaults() {
	if s.APIPort == 0 {
		s.APIPort = defaultAPIPort
	}
	for i := range s.Servers {
		sp := &s.Servers[i]
		if sp.Hostname == "" {
			sp.Hostname = "localhost"
		}
		if sp.HealthCheckPath == "" {
			sp.HealthCheckPath = "/"
		}
	}
}

// validate reports every problem found in s as a single joined error, never
// panicking on malformed input. A hand-aggregated validation-error style
// rather than a struct-tag validator.
func (s *Settings) validate() error {
	var problems []string

	seenID := make(map[string]bool, len(s.Servers))

	for i, sp := range s.Servers {
		if strings.TrimSpace(sp.ID) == "" {
			problems = append(problems, fmt.Sprintf("servers[%d]: id must not be empty", i))
			continue
		}
		if seenID[sp.ID] {
			problems = append(problems, fmt.Sprintf("servers[%d]: duplicate id %q", i, sp.ID))
		}
		seenID[sp.ID] = true

		// Port collisions across specs are deliberately NOT checked here:
		// two specs may legally declare the same port in the settings
		// document (e.g. an old spec kept around but never started). A
		// collision only becomes an error when both would actually bind
		// their port at the same time, which is a start-time condition —
		// see Manager.portCollision.
		if sp.Port != 0 && (sp.Port < 1 || sp.Port > 65535) {
			problems = append(problems, fmt.Sprintf("server %q: port %d out of range 1-65535", sp.ID, sp.Port))
		}

		if sp.Hostname != "" {
			if err := hostutil.ValidateHostname(sp.Hostname); err != nil {
				problems = append(problems, fmt.Sprintf("server %q: hostname: %v", sp.ID, err))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}

	sort.Strings(problems)
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}
