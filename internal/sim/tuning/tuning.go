package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"macs.ai/internal/sim/geom"
)

//go:embed arena.schema.json
var schemaJSON string

const (
	ResolutionCompletion = "completion"
	ResolutionDispatch   = "dispatch"

	BackendMem = "mem"
	BackendWS  = "ws"
)

type Config struct {
	Env     Env     `yaml:"env" json:"env"`
	Layout  Layout  `yaml:"layout" json:"layout"`
	Motion  Motion  `yaml:"motion" json:"motion"`
	Backend Backend `yaml:"backend" json:"backend"`
}

type Env struct {
	NumArenas   int     `yaml:"num_arenas" json:"num_arenas"`
	NAgents     int     `yaml:"n_agents" json:"n_agents"`
	NFood       int     `yaml:"n_food" json:"n_food"`
	NHazards    int     `yaml:"n_hazards" json:"n_hazards"`
	NCoop       int     `yaml:"n_coop" json:"n_coop"`
	NSensors    int     `yaml:"n_sensors" json:"n_sensors"`
	SensorRange float64 `yaml:"sensor_range" json:"sensor_range"`

	FoodSpeed   float64 `yaml:"food_speed" json:"food_speed"`
	HazardSpeed float64 `yaml:"hazard_speed" json:"hazard_speed"`

	HazardReward    float64 `yaml:"hazard_reward" json:"hazard_reward"`
	SupplyReward    float64 `yaml:"supply_reward" json:"supply_reward"`
	EncounterReward float64 `yaml:"encounter_reward" json:"encounter_reward"`
	ThrustPenalty   float64 `yaml:"thrust_penalty" json:"thrust_penalty"`
	LocalRatio      float64 `yaml:"local_ratio" json:"local_ratio"`

	MaxCycles        int     `yaml:"max_cycles" json:"max_cycles"`
	Seed             int64   `yaml:"seed" json:"seed"`
	SteeringStrength float64 `yaml:"steering_strength" json:"steering_strength"`
	ScatterStrength  float64 `yaml:"scatter_strength" json:"scatter_strength"`
	SpeedFeatures    bool    `yaml:"speed_features" json:"speed_features"`
	ResolutionOrder  string  `yaml:"resolution_order" json:"resolution_order"`
}

type Layout struct {
	LevelPath        string          `yaml:"level_path" json:"level_path"`
	AgentBlueprint   string          `yaml:"agent_blueprint" json:"agent_blueprint"`
	FoodBlueprint    string          `yaml:"food_blueprint" json:"food_blueprint"`
	HazardBlueprint  string          `yaml:"hazard_blueprint" json:"hazard_blueprint"`
	ArenaSpacing     float64         `yaml:"arena_spacing" json:"arena_spacing"`
	SpawnZ           float64         `yaml:"spawn_z" json:"spawn_z"`
	XBounds          [2]float64      `yaml:"x_bounds" json:"x_bounds"`
	YBounds          [2]float64      `yaml:"y_bounds" json:"y_bounds"`
	BlockRanges      [][2][2]float64 `yaml:"block_ranges" json:"block_ranges"`
	ActionMultiplier float64         `yaml:"action_multiplier" json:"action_multiplier"`
	FoodScale        float64         `yaml:"food_scale" json:"food_scale"`
	DefaultScale     float64         `yaml:"default_scale" json:"default_scale"`
	MaxSampleRetries int             `yaml:"max_sample_retries" json:"max_sample_retries"`
}

type Motion struct {
	AgentMoveTimeoutSec  float64    `yaml:"agent_move_timeout_s" json:"agent_move_timeout_s"`
	EntityMoveTimeoutSec float64    `yaml:"entity_move_timeout_s" json:"entity_move_timeout_s"`
	SpawnTimeoutSec      float64    `yaml:"spawn_timeout_s" json:"spawn_timeout_s"`
	MoveSpeed            float64    `yaml:"move_speed" json:"move_speed"`
	BounceNormal         [2]float64 `yaml:"bounce_normal" json:"bounce_normal"`
}

type Backend struct {
	Kind              string  `yaml:"kind" json:"kind"`
	URL               string  `yaml:"url" json:"url"`
	RequestTimeoutSec float64 `yaml:"request_timeout_s" json:"request_timeout_s"`
	// LatencyJitterMs adds random per-call latency to the in-process backend.
	LatencyJitterMs int `yaml:"latency_jitter_ms" json:"latency_jitter_ms"`
}

func Defaults() Config {
	return Config{
		Env: Env{
			NumArenas:        4,
			NAgents:          5,
			NFood:            10,
			NHazards:         5,
			NCoop:            2,
			NSensors:         30,
			SensorRange:      500,
			FoodSpeed:        0.15,
			HazardSpeed:      0.15,
			HazardReward:     -1.0,
			SupplyReward:     10.0,
			EncounterReward:  0.01,
			ThrustPenalty:    -0.01,
			LocalRatio:       0.9,
			MaxCycles:        500,
			Seed:             0,
			SteeringStrength: 0.1,
			ScatterStrength:  0.4,
			SpeedFeatures:    true,
			ResolutionOrder:  ResolutionCompletion,
		},
		Layout: Layout{
			LevelPath:        "/Game/Developer/Maps/L_Mulit_Agent_DemoRL.L_Mulit_Agent_DemoRL",
			AgentBlueprint:   "/Game/Developer/Characters/UE4Mannequin/BP_UE4Mannequin.BP_UE4Mannequin_C",
			FoodBlueprint:    "/Game/developer/DemoCoin/BP_DemoCoin.BP_DemoCoin_C",
			HazardBlueprint:  "/Game/developer/DemoCoin/BP_DemoPoision.BP_DemoPoision_C",
			ArenaSpacing:     3000,
			SpawnZ:           200,
			XBounds:          [2]float64{50, 1900},
			YBounds:          [2]float64{-1900, -50},
			BlockRanges:      [][2][2]float64{{{1200, -1500}, {1500, -1000}}},
			ActionMultiplier: 150,
			FoodScale:        1.2,
			DefaultScale:     1.0,
			MaxSampleRetries: geom.DefaultMaxRetries,
		},
		Motion: Motion{
			AgentMoveTimeoutSec:  60,
			EntityMoveTimeoutSec: 6,
			SpawnTimeoutSec:      15,
			MoveSpeed:            12000,
			BounceNormal:         [2]float64{1, 1},
		},
		Backend: Backend{
			Kind:              BackendMem,
			URL:               "ws://127.0.0.1:5726/v1/sim",
			RequestTimeoutSec: 30,
		},
	}
}

// Load reads a YAML config on top of Defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := validateSchema(raw); err != nil {
		return cfg, fmt.Errorf("arena.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("arena.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("arena.yaml: %w", err)
	}
	return cfg, nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("arena.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// validateSchema checks the YAML document against the embedded JSON schema.
// YAML is round-tripped through JSON so the validator sees plain JSON values.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	return s.Validate(v)
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Env.ResolutionOrder = strings.ToLower(strings.TrimSpace(c.Env.ResolutionOrder))
	if c.Env.ResolutionOrder == "" {
		c.Env.ResolutionOrder = ResolutionCompletion
	}
	for _, b := range []*[2]float64{&c.Layout.XBounds, &c.Layout.YBounds} {
		if b[0] > b[1] {
			b[0], b[1] = b[1], b[0]
		}
	}
	if c.Layout.MaxSampleRetries <= 0 {
		c.Layout.MaxSampleRetries = geom.DefaultMaxRetries
	}
	if c.Layout.DefaultScale <= 0 {
		c.Layout.DefaultScale = 1
	}
	if c.Layout.FoodScale <= 0 {
		c.Layout.FoodScale = c.Layout.DefaultScale
	}
	c.Backend.Kind = strings.ToLower(strings.TrimSpace(c.Backend.Kind))
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendMem
	}
}

func (c Config) Validate() error {
	e := c.Env
	switch {
	case e.NumArenas <= 0:
		return fmt.Errorf("env.num_arenas must be > 0")
	case e.NAgents <= 0:
		return fmt.Errorf("env.n_agents must be > 0")
	case e.NFood < 0 || e.NHazards < 0:
		return fmt.Errorf("env.n_food and env.n_hazards must be >= 0")
	case e.NCoop <= 0:
		return fmt.Errorf("env.n_coop must be > 0")
	case e.NSensors <= 0:
		return fmt.Errorf("env.n_sensors must be > 0")
	case e.SensorRange <= 0:
		return fmt.Errorf("env.sensor_range must be > 0")
	case e.LocalRatio < 0 || e.LocalRatio > 1 || math.IsNaN(e.LocalRatio):
		return fmt.Errorf("env.local_ratio must be in [0,1]")
	case e.ScatterStrength < 0 || e.ScatterStrength > 1:
		return fmt.Errorf("env.scatter_strength must be in [0,1]")
	case e.MaxCycles <= 0:
		return fmt.Errorf("env.max_cycles must be > 0")
	case e.ResolutionOrder != ResolutionCompletion && e.ResolutionOrder != ResolutionDispatch:
		return fmt.Errorf("env.resolution_order must be %q or %q", ResolutionCompletion, ResolutionDispatch)
	}
	l := c.Layout
	if l.XBounds[0] == l.XBounds[1] || l.YBounds[0] == l.YBounds[1] {
		return fmt.Errorf("layout bounds must have non-zero extent")
	}
	if l.ActionMultiplier <= 0 {
		return fmt.Errorf("layout.action_multiplier must be > 0")
	}
	if l.ArenaSpacing <= 0 {
		return fmt.Errorf("layout.arena_spacing must be > 0")
	}
	if l.AgentBlueprint == "" || l.FoodBlueprint == "" || l.HazardBlueprint == "" {
		return fmt.Errorf("layout blueprints must not be empty")
	}
	if c.Motion.AgentMoveTimeoutSec <= 0 || c.Motion.EntityMoveTimeoutSec <= 0 || c.Motion.SpawnTimeoutSec <= 0 {
		return fmt.Errorf("motion timeouts must be > 0")
	}
	if c.Backend.Kind != BackendMem && c.Backend.Kind != BackendWS {
		return fmt.Errorf("backend.kind must be %q or %q", BackendMem, BackendWS)
	}
	if c.Backend.Kind == BackendWS && strings.TrimSpace(c.Backend.URL) == "" {
		return fmt.Errorf("backend.url required for ws backend")
	}
	return nil
}

func (l Layout) Bounds() geom.Bounds {
	return geom.Bounds{X: l.XBounds, Y: l.YBounds}
}

func (l Layout) Blocked() []geom.Rect {
	out := make([]geom.Rect, 0, len(l.BlockRanges))
	for _, b := range l.BlockRanges {
		out = append(out, geom.NewRect(mgl64.Vec2{b[0][0], b[0][1]}, mgl64.Vec2{b[1][0], b[1][1]}))
	}
	return out
}

func (m Motion) AgentMoveTimeout() time.Duration  { return seconds(m.AgentMoveTimeoutSec) }
func (m Motion) EntityMoveTimeout() time.Duration { return seconds(m.EntityMoveTimeoutSec) }
func (m Motion) SpawnTimeout() time.Duration      { return seconds(m.SpawnTimeoutSec) }

func (b Backend) RequestTimeout() time.Duration { return seconds(b.RequestTimeoutSec) }

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
