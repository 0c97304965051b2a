package model

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse reads the text form produced by Model.String, e.g.
//
//	StackedModel([LinearModel(offset=0, gain=2000), NTCModel(r0=10000, beta=4300, t0=25)])
//
// Arguments may be positional or keyword. Omitted optional parameters take
// their documented defaults.
func Parse(s string) (Model, error) {
	p := &parser{src: s}
	m, err := p.model()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input %q", p.src[p.pos:])
	}
	return m, nil
}

// maxDepth bounds StackedModel nesting.
const maxDepth = 16

type parser struct {
	src   string
	pos   int
	depth int
}

type argument struct {
	name   string
	number float64
	list   []Model
	isList bool
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("parse model at offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func (p *parser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := rune(p.src[p.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) model() (Model, error) {
	if p.depth >= maxDepth {
		return nil, p.errorf("models nested deeper than %d", maxDepth)
	}
	p.depth++
	defer func() { p.depth-- }()

	class := p.ident()
	if class == "" {
		return nil, p.errorf("expected model class")
	}
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var args []argument
	for p.peek() != ')' {
		if len(args) > 0 {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		arg, err := p.argument()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	p.pos++
	return build(class, args)
}

func (p *parser) argument() (argument, error) {
	var arg argument
	save := p.pos
	if name := p.ident(); name != "" && p.peek() == '=' {
		p.pos++
		arg.name = name
	} else {
		p.pos = save
	}

	if p.peek() == '[' {
		p.pos++
		arg.isList = true
		for p.peek() != ']' {
			if len(arg.list) > 0 {
				if err := p.expect(','); err != nil {
					return arg, err
				}
			}
			m, err := p.model()
			if err != nil {
				return arg, err
			}
			arg.list = append(arg.list, m)
		}
		p.pos++
		return arg, nil
	}

	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && strings.IndexByte("+-.0123456789eE", p.src[p.pos]) >= 0 {
		p.pos++
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		p.pos = start
		return arg, p.errorf("expected number")
	}
	arg.number = v
	return arg, nil
}

// bind maps positional and keyword arguments onto the parameter list.
func bind(class string, args []argument, params []string, defaults map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(params))
	for k, v := range defaults {
		out[k] = v
	}
	seen := make(map[string]bool, len(args))
	for i, a := range args {
		if a.isList {
			return nil, fmt.Errorf("%s: unexpected model list", class)
		}
		name := a.name
		if name == "" {
			if i >= len(params) {
				return nil, fmt.Errorf("%s: too many arguments", class)
			}
			name = params[i]
		}
		known := false
		for _, p := range params {
			if p == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("%s: unknown parameter %q", class, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: duplicate parameter %q", class, name)
		}
		seen[name] = true
		out[name] = a.number
	}
	for _, p := range params {
		if _, ok := out[p]; !ok {
			return nil, fmt.Errorf("%s: missing parameter %q", class, p)
		}
	}
	return out, nil
}

func build(class string, args []argument) (Model, error) {
	switch class {
	case ClassLinear:
		v, err := bind(class, args, []string{"offset", "gain"}, nil)
		if err != nil {
			return nil, err
		}
		return NewLinear(v["offset"], v["gain"])

	case ClassNTC:
		v, err := bind(class, args, []string{"r0", "beta", "t0"}, map[string]float64{"t0": DefaultNTCT0})
		if err != nil {
			return nil, err
		}
		return NewNTC(v["r0"], v["beta"], v["t0"])

	case ClassPTx:
		v, err := bind(class, args, []string{"r0", "alpha"}, map[string]float64{"alpha": DefaultPTxAlpha})
		if err != nil {
			return nil, err
		}
		return NewPTx(v["r0"], v["alpha"])

	case ClassKTYx:
		v, err := bind(class, args, []string{"r0", "alpha", "beta", "t0"}, map[string]float64{
			"alpha": DefaultKTYxAlpha,
			"beta":  DefaultKTYxBeta,
			"t0":    DefaultKTYxT0,
		})
		if err != nil {
			return nil, err
		}
		return NewKTYx(v["r0"], v["alpha"], v["beta"], v["t0"])

	case ClassStacked:
		if len(args) != 1 || !args[0].isList || (args[0].name != "" && args[0].name != "models") {
			return nil, fmt.Errorf("%s: expected a single model list", class)
		}
		return NewStacked(args[0].list...), nil
	}
	return nil, fmt.Errorf("unknown model class %q", class)
}
