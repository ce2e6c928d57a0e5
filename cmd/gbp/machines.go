package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// machineSchedule is one entry in the machines file: schedule a CI build for
// the machine every interval.
type machineSchedule struct {
	Name   string            `yaml:"name"`
	Every  time.Duration     `yaml:"-"`
	Params map[string]string `yaml:"params"`

	RawEvery string `yaml:"every"`
}

type machinesFile struct {
	Machines []machineSchedule `yaml:"machines"`
}

// loadMachines parses the machines file:
//
//	machines:
//	  - name: babette
//	    every: 24h
//	    params:
//	      PROFILE: default
func loadMachines(path string) ([]machineSchedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machines file: %w", err)
	}
	var parsed machinesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse machines file %s: %w", path, err)
	}

	for i := range parsed.Machines {
		m := &parsed.Machines[i]
		if m.Name == "" {
			return nil, fmt.Errorf("machines file %s: entry %d has no name", path, i)
		}
		if m.RawEvery == "" {
			m.Every = 24 * time.Hour
			continue
		}
		every, err := time.ParseDuration(m.RawEvery)
		if err != nil || every <= 0 {
			return nil, fmt.Errorf("machines file %s: bad interval for %s: %q", path, m.Name, m.RawEvery)
		}
		m.Every = every
	}
	return parsed.Machines, nil
}
