package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario describes a multi-device replication run: the devices, the
// stores they share, a list of steps and the assertions checked afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices names every replica. Names are used everywhere a DID would
	// be, in steps, assertions and snapshots.
	Devices []string `yaml:"devices"`

	// Stores names the stores every device replicates. Defaults to a
	// single store called "main".
	Stores []string `yaml:"stores,omitempty"`

	// MaxDeltas caps the deltas per gossip response; 0 keeps the default.
	MaxDeltas int `yaml:"max_deltas,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action performed by one device.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`
	Device string `yaml:"device"`

	// Store defaults to the first scenario store.
	Store string `yaml:"store,omitempty"`
	// Object names the object acted on.
	Object string `yaml:"object,omitempty"`
	// Component is "meta" or "content" (the default).
	Component string `yaml:"component,omitempty"`

	// Peer is the device pulled from (pull).
	Peer string `yaml:"peer,omitempty"`
	// Target is the surviving object (alias).
	Target string `yaml:"target,omitempty"`
	// To is the destination store (immigrate).
	To string `yaml:"to,omitempty"`
	// Of and Tick name one tick of a device (kml, knowledge).
	Of   string `yaml:"of,omitempty"`
	Tick uint64 `yaml:"tick,omitempty"`
	// Ghosts lists ghost ticks to remove besides the device's own (remediate).
	Ghosts []GhostRef `yaml:"ghosts,omitempty"`

	// Repeat runs the step this many times (update, round).
	Repeat int `yaml:"repeat,omitempty"`

	// ExpectError is the error code the step must fail with, e.g.
	// EPOCH_MISMATCH or UNREACHABLE. Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// GhostRef names a ghost tick. Tick 0 matches every KML tick of the device.
type GhostRef struct {
	Of   string `yaml:"of"`
	Tick uint64 `yaml:"tick"`
}

// Step actions.
const (
	ActionUpdate      = "update"
	ActionPull        = "pull"
	ActionRound       = "round"
	ActionMaterialize = "materialize"
	ActionKML         = "kml"
	ActionKnowledge   = "knowledge"
	ActionAlias       = "alias"
	ActionImmigrate   = "immigrate"
	ActionAnchor      = "anchor"
	ActionFixAnchors  = "fix_anchors"
	ActionRemediate   = "remediate"
	ActionForceFull   = "force_full"
	ActionRebuild     = "rebuild"
	ActionDown        = "down"
	ActionUp          = "up"
)

// Assertion checks final state of one device.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type   string `yaml:"type"`
	Device string `yaml:"device"`

	Store     string `yaml:"store,omitempty"`
	Object    string `yaml:"object,omitempty"`
	Component string `yaml:"component,omitempty"`
	// Anchor looks the object up under its anchor identifier.
	Anchor bool `yaml:"anchor,omitempty"`

	// Of names the device whose knowledge is checked.
	Of string `yaml:"of,omitempty"`

	// Ticks is the exact expected version, keyed by device name (kml,
	// master, max_tick). An empty map expects no ticks.
	Ticks map[string]uint64 `yaml:"ticks,omitempty"`

	// Value is the expected scalar (knowledge, immigrant_knowledge,
	// queued, epoch).
	Value *uint64 `yaml:"value,omitempty"`
}

// Assertion types.
const (
	AssertKML                = "kml"
	AssertMaster             = "master"
	AssertMaxTick            = "max_tick"
	AssertKnowledge          = "knowledge"
	AssertImmigrantKnowledge = "immigrant_knowledge"
	AssertQueued             = "queued"
	AssertEpoch              = "epoch"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(scenario.Stores) == 0 {
		scenario.Stores = []string{"main"}
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// device and store a step or assertion names exists.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if err := unique("devices", s.Devices); err != nil {
		return err
	}
	if err := unique("stores", s.Stores); err != nil {
		return err
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	device := func(where, name string) error {
		if !slices.Contains(s.Devices, name) {
			return fmt.Errorf("%s: unknown device %q", where, name)
		}
		return nil
	}
	storeName := func(where, name string) error {
		if name != "" && !slices.Contains(s.Stores, name) {
			return fmt.Errorf("%s: unknown store %q", where, name)
		}
		return nil
	}
	component := func(where, name string) error {
		if _, err := parseComponent(name); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		return nil
	}

	for i, step := range s.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		if err := device(where, step.Device); err != nil {
			return err
		}
		if err := storeName(where, step.Store); err != nil {
			return err
		}
		if err := component(where, step.Component); err != nil {
			return err
		}
		if err := validateStep(where, step, device, storeName); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		where := fmt.Sprintf("assertions[%d]", i)
		if err := device(where, a.Device); err != nil {
			return err
		}
		if err := storeName(where, a.Store); err != nil {
			return err
		}
		if err := component(where, a.Component); err != nil {
			return err
		}
		if err := validateAssertion(where, a, device); err != nil {
			return err
		}
	}
	return nil
}

func unique(what string, names []string) error {
	seen := map[string]bool{}
	for _, n := range names {
		if n == "" {
			return fmt.Errorf("%s: empty name", what)
		}
		if seen[n] {
			return fmt.Errorf("%s: duplicate name %q", what, n)
		}
		seen[n] = true
	}
	return nil
}

func validateStep(where string, step Step, device, storeName func(string, string) error) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("%s: %s is required for %s", where, field, step.Action)
		}
		return nil
	}
	switch step.Action {
	case ActionUpdate, ActionAnchor:
		return need("object", step.Object)
	case ActionPull:
		if err := need("peer", step.Peer); err != nil {
			return err
		}
		if step.Peer == step.Device {
			return fmt.Errorf("%s: device cannot pull from itself", where)
		}
		return device(where, step.Peer)
	case ActionKML:
		if err := need("object", step.Object); err != nil {
			return err
		}
		fallthrough
	case ActionKnowledge:
		if err := need("of", step.Of); err != nil {
			return err
		}
		if step.Tick == 0 {
			return fmt.Errorf("%s: tick is required for %s", where, step.Action)
		}
		return device(where, step.Of)
	case ActionAlias:
		if err := need("object", step.Object); err != nil {
			return err
		}
		return need("target", step.Target)
	case ActionImmigrate:
		if err := need("object", step.Object); err != nil {
			return err
		}
		if err := need("to", step.To); err != nil {
			return err
		}
		return storeName(where, step.To)
	case ActionRemediate:
		for j, g := range step.Ghosts {
			if err := device(fmt.Sprintf("%s.ghosts[%d]", where, j), g.Of); err != nil {
				return err
			}
		}
		return nil
	case ActionRound, ActionMaterialize, ActionFixAnchors, ActionForceFull, ActionRebuild, ActionDown, ActionUp:
		return nil
	case "":
		return fmt.Errorf("%s: action is required", where)
	default:
		return fmt.Errorf("%s: unknown action %q", where, step.Action)
	}
}

func validateAssertion(where string, a Assertion, device func(string, string) error) error {
	switch a.Type {
	case AssertKML, AssertMaster, AssertMaxTick:
		if a.Object == "" {
			return fmt.Errorf("%s: object is required for %s", where, a.Type)
		}
		if a.Ticks == nil {
			return fmt.Errorf("%s: ticks is required for %s (use {} for none)", where, a.Type)
		}
		for name := range a.Ticks {
			if err := device(where, name); err != nil {
				return err
			}
		}
		return nil
	case AssertKnowledge, AssertImmigrantKnowledge:
		if a.Value == nil {
			return fmt.Errorf("%s: value is required for %s", where, a.Type)
		}
		return device(where, a.Of)
	case AssertQueued, AssertEpoch:
		if a.Value == nil {
			return fmt.Errorf("%s: value is required for %s", where, a.Type)
		}
		return nil
	case "":
		return fmt.Errorf("%s: type is required", where)
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}
}
