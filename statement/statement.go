// Package statement holds the persistent statement and query definitions
// loaded into the engine at startup, and orders them by their declared
// dependencies.
//
// A statement may provide a named stream and require streams provided by
// other statements. Resolve turns a set of definitions into the install
// commands the dispatcher consumes, statements first in dependency order
// and then queries in declared order.
//
// Definitions come from a YAML file (LoadFile, Watcher) or from a NATS
// JetStream key-value bucket (KVSource).
package statement

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/message"
)

// Statement is a persistent continuous query with no external listener.
type Statement struct {
	ID       string   `yaml:"id" json:"id"`
	Provides string   `yaml:"provides,omitempty" json:"provides,omitempty"`
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`
	Query    string   `yaml:"query" json:"query"`
}

// Query is a named continuous query whose results are published as alerts.
// Name is the topic the alerts are routed to.
type Query struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Query string `yaml:"query" json:"query"`
}

// Definitions is the content of a statements file
type Definitions struct {
	Statements []Statement `yaml:"statements" json:"statements"`
	Queries    []Query     `yaml:"queries" json:"queries"`
}

// Resolve orders the definitions. See the package level Resolve.
func (d *Definitions) Resolve() ([]message.Command, error) {
	return Resolve(d.Statements, d.Queries)
}

// Parse decodes definitions from YAML. JSON input is accepted as well.
func Parse(data []byte) (*Definitions, error) {
	var defs Definitions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, pkgerrors.WrapFatal(fmt.Errorf("%w: %v", pkgerrors.ErrInvalidConfig, err),
			"statement", "Parse", "decode definitions")
	}
	return &defs, nil
}

// LoadFile reads and parses a definitions file
func LoadFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.WrapFatal(err, "statement", "LoadFile", "read definitions")
	}
	return Parse(data)
}
