// Package correlate decides whether an incoming Zigbee attribute record is
// an alarm-worthy event. The built-in trigger table can be extended with
// YAML sensor profiles.
package correlate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"homeguard/internal/ncp"
)

// Trigger describes one alarm-worthy (type-id, attribute, value) triple.
type Trigger struct {
	TypeID  uint32 `yaml:"type_id"`
	AttrID  uint16 `yaml:"attr_id"`
	Value   uint32 `yaml:"trigger"`
	Fire    bool   `yaml:"fire"`
	Water   bool   `yaml:"water"`
	Comment string `yaml:"comment,omitempty"`
}

type triggerKey struct {
	typeID uint32
	attrID uint16
}

// defaultTriggers is the built-in table: IAS zones, occupancy sensors,
// fire and water leak detectors.
var defaultTriggers = []Trigger{
	{TypeID: 0x0500000D, AttrID: 0x0002, Value: 1},
	{TypeID: 0x05000015, AttrID: 0x0002, Value: 1},
	{TypeID: 0x0500002D, AttrID: 0x0002, Value: 1},
	{TypeID: 0x05000225, AttrID: 0x0002, Value: 1},
	{TypeID: 0x04060000, AttrID: 0x0000, Value: 1},
	{TypeID: 0x04060001, AttrID: 0x0000, Value: 1},
	{TypeID: 0x04060002, AttrID: 0x0000, Value: 1},
	{TypeID: 0x05000028, AttrID: 0x0002, Value: 1, Fire: true},
	{TypeID: 0x0500002B, AttrID: 0x0002, Value: 1, Fire: true},
	{TypeID: 0x0500002A, AttrID: 0x0002, Value: 1, Water: true},
}

// Result of evaluating one attribute record.
type Result struct {
	// Publish is false when the record duplicates the immediately
	// previous one and must be ignored entirely.
	Publish bool
	// Alarm is true when the record matched a trigger.
	Alarm bool
	Fire  bool
	Water bool
}

// Correlator maps attribute records to alarm events and suppresses
// consecutive duplicates.
type Correlator struct {
	mu       sync.Mutex
	triggers map[triggerKey]Trigger
	last     *ncp.AttrRecord
	logger   *slog.Logger
}

// New creates a correlator with the built-in trigger table.
func New(logger *slog.Logger) *Correlator {
	c := &Correlator{
		triggers: make(map[triggerKey]Trigger, len(defaultTriggers)),
		logger:   logger.With("component", "correlate"),
	}
	for _, t := range defaultTriggers {
		c.triggers[triggerKey{t.TypeID, t.AttrID}] = t
	}
	return c
}

// profileFile is the YAML structure of a sensor profile file.
type profileFile struct {
	Triggers []Trigger `yaml:"triggers"`
}

// LoadProfiles merges trigger definitions from all *.yaml files in dir.
// A missing or empty directory is not an error.
func (c *Correlator) LoadProfiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("glob profiles dir: %w", err)
	}
	loaded := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var pf profileFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		c.mu.Lock()
		for _, t := range pf.Triggers {
			c.triggers[triggerKey{t.TypeID, t.AttrID}] = t
			loaded++
		}
		c.mu.Unlock()
	}
	if loaded > 0 {
		c.logger.Info("sensor profiles loaded", "triggers", loaded, "dir", dir)
	}
	return nil
}

// Evaluate classifies one record. Duplicate records (equal in all fields to
// the immediately previous one) report Publish=false and are otherwise
// ignored.
func (c *Correlator) Evaluate(rec *ncp.AttrRecord) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.Equal(c.last) {
		return Result{}
	}
	cp := *rec
	c.last = &cp

	res := Result{Publish: true}
	t, ok := c.triggers[triggerKey{rec.TypeID, rec.AttrID}]
	if !ok || rec.Value != t.Value {
		return res
	}
	res.Alarm = true
	res.Fire = t.Fire
	res.Water = t.Water
	c.logger.Info("alarm event",
		"ieee", rec.IEEEString(),
		"type_id", fmt.Sprintf("0x%08X", rec.TypeID),
		"fire", res.Fire, "water", res.Water)
	return res
}
