package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Parameter types accepted by tool schemas.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeNumber = "number"
	TypeBool   = "bool"
)

// ParamSpec describes one parameter of a tool.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Spec is the complete declaration of a tool: its schema plus the
// idempotency contract the executor's retry policy depends on.
type Spec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params"`
	// Idempotent tools may be retried automatically after a failure.
	Idempotent bool `json:"idempotent"`
	// Destructive marks tools that destroy data or capacity.
	Destructive bool `json:"destructive"`
}

// Validate checks parameters against the schema and returns the list of
// problems, empty when the parameters conform.
func (s Spec) Validate(params map[string]interface{}) []string {
	var problems []string
	known := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		known[p.Name] = true
		raw, ok := params[p.Name]
		if !ok {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if !typeMatches(p.Type, raw) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s, got %T", p.Name, p.Type, raw))
		}
	}
	for name := range params {
		if !known[name] {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
		}
	}
	sort.Strings(problems)
	return problems
}

// typeMatches accepts the JSON decodings of each schema type; ints arrive
// from JSON as float64, so integral floats pass as int.
func typeMatches(t string, v interface{}) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInt:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		default:
			return false
		}
	case TypeNumber:
		switch n := v.(type) {
		case int, int32, int64, float64:
			return true
		case json.Number:
			_, err := n.Float64()
			return err == nil
		default:
			return false
		}
	case TypeBool:
		_, ok := v.(bool)
		return ok
	default:
		return false
	}
}

// Registry holds the tool catalog exposed to planning and execution.
type Registry interface {
	// Register adds a tool spec; a duplicate name is an error.
	Register(spec Spec) error

	// Get returns the spec for a tool name.
	Get(name string) (Spec, bool)

	// List returns all registered specs sorted by name.
	List() []Spec
}

type registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() Registry {
	return &registry{specs: make(map[string]Spec)}
}

// DefaultRegistry returns a registry loaded with the built-in catalog.
func DefaultRegistry() Registry {
	r := NewRegistry()
	for _, spec := range Catalog {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	for _, p := range spec.Params {
		switch p.Type {
		case TypeString, TypeInt, TypeNumber, TypeBool:
		default:
			return fmt.Errorf("tool %s parameter %q has unknown type %q", spec.Name, p.Name, p.Type)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tool %s is already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

func (r *registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

func (r *registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Catalog is the built-in remediation tool set.
var Catalog = []Spec{
	{
		Name:        "fetch_service_logs",
		Description: "Fetch the most recent log lines for a service.",
		Params: []ParamSpec{
			{Name: "service_name", Type: TypeString, Required: true, Description: "Service to read logs from"},
		},
		Idempotent: true,
	},
	{
		Name:        "check_db_status",
		Description: "Report health, load and connection counts for a database shard.",
		Params: []ParamSpec{
			{Name: "shard_id", Type: TypeString, Required: true, Description: "Database shard identifier"},
		},
		Idempotent: true,
	},
	{
		Name:        "restart_resource",
		Description: "Restart a service or database resource in place.",
		Params: []ParamSpec{
			{Name: "resource_id", Type: TypeString, Required: true, Description: "Resource to restart"},
		},
		Idempotent: false,
	},
	{
		Name:        "scale_resource",
		Description: "Set the replica count for a horizontally scalable resource.",
		Params: []ParamSpec{
			{Name: "resource_id", Type: TypeString, Required: true, Description: "Resource to scale"},
			{Name: "replicas", Type: TypeInt, Required: true, Description: "Desired replica count"},
		},
		Idempotent: true,
	},
	{
		Name:        "rollback_deployment",
		Description: "Roll a deployment back to an earlier revision.",
		Params: []ParamSpec{
			{Name: "deployment", Type: TypeString, Required: true, Description: "Deployment to roll back"},
			{Name: "revision", Type: TypeInt, Required: true, Description: "Target revision number"},
		},
		Idempotent: false,
	},
	{
		Name:        "drop_database",
		Description: "Drop a database and all of its data.",
		Params: []ParamSpec{
			{Name: "name", Type: TypeString, Required: true, Description: "Database name"},
		},
		Idempotent:  false,
		Destructive: true,
	},
}
