package payroll

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DeductionPolicy computes statutory deductions. Implementations must be
// deterministic and free of side effects.
type DeductionPolicy interface {
	PF(gross decimal.Decimal, profile CompensationProfile) (decimal.Decimal, error)
	Tax(gross decimal.Decimal, profile CompensationProfile) (decimal.Decimal, error)
}

// PolicySource picks the policy of a tenant.
type PolicySource interface {
	For(tenantID string) DeductionPolicy
}

// Slab taxes the part of gross above Over at Rate, on top of Base.
type Slab struct {
	Over decimal.Decimal
	Rate decimal.Decimal
	Base decimal.Decimal
}

// RatePolicy is a rate table policy. PF is a rate on basic, optionally capped;
// tax is progressive over gross. Either can be replaced by a CEL expression
// over gross, basic, hra, allowances and employeeType.
type RatePolicy struct {
	PFRate    decimal.Decimal
	PFCap     decimal.Decimal
	PFExempt  []EmployeeType
	PFExpr    string
	TaxSlabs  []Slab
	TaxExpr   string
	TaxExempt []EmployeeType
}

func DefaultRatePolicy() *RatePolicy {
	return &RatePolicy{
		PFRate: decimal.RequireFromString("0.12"),
		TaxSlabs: []Slab{
			{Over: decimal.Zero, Rate: decimal.Zero, Base: decimal.Zero},
			{Over: decimal.NewFromInt(16000), Rate: decimal.RequireFromString("0.05"), Base: decimal.Zero},
			{Over: decimal.NewFromInt(30000), Rate: decimal.RequireFromString("0.10"), Base: decimal.NewFromInt(700)},
		},
	}
}

func (p *RatePolicy) PF(gross decimal.Decimal, profile CompensationProfile) (decimal.Decimal, error) {
	if exempt(p.PFExempt, profile.EmployeeType) {
		return decimal.Zero, nil
	}
	if p.PFExpr != "" {
		return evalAmount(p.PFExpr, gross, profile)
	}
	amount := profile.Basic.Mul(p.PFRate)
	if p.PFCap.IsPositive() && amount.GreaterThan(p.PFCap) {
		amount = p.PFCap
	}
	return RoundMoney(amount), nil
}

func (p *RatePolicy) Tax(gross decimal.Decimal, profile CompensationProfile) (decimal.Decimal, error) {
	if exempt(p.TaxExempt, profile.EmployeeType) {
		return decimal.Zero, nil
	}
	if p.TaxExpr != "" {
		return evalAmount(p.TaxExpr, gross, profile)
	}
	tax := decimal.Zero
	for _, slab := range p.TaxSlabs {
		if !gross.GreaterThan(slab.Over) {
			break
		}
		tax = slab.Base.Add(gross.Sub(slab.Over).Mul(slab.Rate))
	}
	return RoundMoney(tax), nil
}

func exempt(types []EmployeeType, employeeType EmployeeType) bool {
	for _, t := range types {
		if t == employeeType {
			return true
		}
	}
	return false
}

// PolicySet holds the default policy plus per-tenant overrides.
type PolicySet struct {
	Version int
	def     DeductionPolicy
	tenants map[string]DeductionPolicy
}

func NewPolicySet(def DeductionPolicy, tenants map[string]DeductionPolicy) *PolicySet {
	if def == nil {
		def = DefaultRatePolicy()
	}
	if tenants == nil {
		tenants = map[string]DeductionPolicy{}
	}
	return &PolicySet{Version: 1, def: def, tenants: tenants}
}

func (s *PolicySet) For(tenantID string) DeductionPolicy {
	if policy, ok := s.tenants[strings.ToLower(strings.TrimSpace(tenantID))]; ok {
		return policy
	}
	return s.def
}

type policyFile struct {
	Version int                    `yaml:"version"`
	Default *policyEntry           `yaml:"default"`
	Tenants map[string]policyEntry `yaml:"tenants"`
}

type policyEntry struct {
	PF struct {
		Rate        string   `yaml:"rate"`
		MonthlyCap  string   `yaml:"monthly_cap"`
		ExemptTypes []string `yaml:"exempt_types"`
		Expr        string   `yaml:"expr"`
	} `yaml:"pf"`
	Tax struct {
		Slabs []struct {
			Over string `yaml:"over"`
			Rate string `yaml:"rate"`
			Base string `yaml:"base"`
		} `yaml:"slabs"`
		ExemptTypes []string `yaml:"exempt_types"`
		Expr        string   `yaml:"expr"`
	} `yaml:"tax"`
}

func ParsePolicyYAML(b []byte) (*PolicySet, error) {
	var f policyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPolicy, f.Version)
	}
	var def DeductionPolicy
	if f.Default != nil {
		built, err := f.Default.build()
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		def = built
	}
	tenants := make(map[string]DeductionPolicy, len(f.Tenants))
	for tenantID, entry := range f.Tenants {
		built, err := entry.build()
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		tenants[strings.ToLower(strings.TrimSpace(tenantID))] = built
	}
	set := NewPolicySet(def, tenants)
	set.Version = f.Version
	return set, nil
}

// LoadPolicySet reads the policy file. A missing file yields the built-in default.
func LoadPolicySet(path string) (*PolicySet, error) {
	if strings.TrimSpace(path) == "" {
		return NewPolicySet(nil, nil), nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewPolicySet(nil, nil), nil
	}
	if err != nil {
		return nil, err
	}
	return ParsePolicyYAML(b)
}

func (e policyEntry) build() (*RatePolicy, error) {
	policy := &RatePolicy{PFExpr: strings.TrimSpace(e.PF.Expr), TaxExpr: strings.TrimSpace(e.Tax.Expr)}

	var err error
	if policy.PFRate, err = parseAmount("pf.rate", e.PF.Rate); err != nil {
		return nil, err
	}
	if policy.PFCap, err = parseAmount("pf.monthly_cap", e.PF.MonthlyCap); err != nil {
		return nil, err
	}
	if policy.PFExempt, err = parseTypes(e.PF.ExemptTypes); err != nil {
		return nil, err
	}
	if policy.TaxExempt, err = parseTypes(e.Tax.ExemptTypes); err != nil {
		return nil, err
	}
	for i, raw := range e.Tax.Slabs {
		var slab Slab
		field := fmt.Sprintf("tax.slabs[%d]", i)
		if slab.Over, err = parseAmount(field+".over", raw.Over); err != nil {
			return nil, err
		}
		if slab.Rate, err = parseAmount(field+".rate", raw.Rate); err != nil {
			return nil, err
		}
		if slab.Base, err = parseAmount(field+".base", raw.Base); err != nil {
			return nil, err
		}
		policy.TaxSlabs = append(policy.TaxSlabs, slab)
	}
	sort.SliceStable(policy.TaxSlabs, func(i, j int) bool {
		return policy.TaxSlabs[i].Over.LessThan(policy.TaxSlabs[j].Over)
	})

	for _, expr := range []string{policy.PFExpr, policy.TaxExpr} {
		if expr == "" {
			continue
		}
		if _, err := loadOrCompileAmountProgram(expr); err != nil {
			return nil, fmt.Errorf("%w: expression %q: %v", ErrInvalidPolicy, expr, err)
		}
	}
	return policy, nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, field, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s must not be negative", ErrInvalidPolicy, field)
	}
	return value, nil
}

func parseTypes(raw []string) ([]EmployeeType, error) {
	out := make([]EmployeeType, 0, len(raw))
	for _, value := range raw {
		t, err := ParseEmployeeType(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		out = append(out, t)
	}
	return out, nil
}

var amountProgramCache sync.Map

// celSnapPlaces absorbs float64 noise in expression results before the
// half-up rounding to the minor unit. Expressions compute in double, so
// digits past this place are not meaningful.
const celSnapPlaces = 6

func newAmountEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("gross", cel.DoubleType),
		cel.Variable("basic", cel.DoubleType),
		cel.Variable("hra", cel.DoubleType),
		cel.Variable("allowances", cel.DoubleType),
		cel.Variable("employeeType", cel.StringType),
	)
}

func loadOrCompileAmountProgram(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := amountProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newAmountEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.DoubleType {
		return nil, errors.New("expression must evaluate to a double")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	amountProgramCache.Store(expr, program)
	return program, nil
}

func evalAmount(expr string, gross decimal.Decimal, profile CompensationProfile) (decimal.Decimal, error) {
	program, err := loadOrCompileAmountProgram(expr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	out, _, err := program.Eval(map[string]any{
		"gross":        gross.InexactFloat64(),
		"basic":        profile.Basic.InexactFloat64(),
		"hra":          profile.HRA.InexactFloat64(),
		"allowances":   profile.Allowances.InexactFloat64(),
		"employeeType": string(profile.EmployeeType),
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: evaluate %q: %v", ErrInvalidPolicy, expr, err)
	}
	value, ok := out.Value().(float64)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: expression %q did not return a double", ErrInvalidPolicy, expr)
	}
	return RoundMoney(decimal.NewFromFloat(value).Round(celSnapPlaces)), nil
}
