package firmware

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParsePin accepts "A0".."A5", "D10" or a plain number.
func ParsePin(s string) (Pin, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "A"):
		n, err := strconv.Atoi(s[1:])
		if err != nil || n < 0 || n > 5 {
			return 0, fmt.Errorf("invalid analog pin %q", s)
		}
		return A0 + Pin(n), nil
	case strings.HasPrefix(s, "D"):
		s = s[1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pin %q", s)
	}
	return Pin(n), nil
}

func (p *Pin) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: pin must be a scalar", value.Line)
	}
	pin, err := ParsePin(value.Value)
	if err != nil {
		return err
	}
	*p = pin
	return nil
}

func (p Pin) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML lets duration fields be a bare number of milliseconds
// ("motor_timeout: 300"), like the env overrides.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			if k.Value != "motor_timeout" && k.Value != "ir_frametime" {
				continue
			}
			if v.Kind == yaml.ScalarNode && v.ShortTag() == "!!int" {
				d, err := parseMillis(v.Value)
				if err != nil {
					return fmt.Errorf("line %d: %s: %w", v.Line, k.Value, err)
				}
				v.Tag, v.Value = "!!str", d.String()
			}
		}
	}
	type plain Config
	return value.Decode((*plain)(c))
}

// Load builds the record for mode and applies the optional YAML file at path
// on top of it. A "mode" key in the file wins over the argument.
// An empty path returns the defaults.
func Load(path string, mode MotorMode) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default(mode)
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read firmware config: %w", err)
	}
	return Parse(raw, mode)
}

// Parse is Load without the file system.
func Parse(raw []byte, mode MotorMode) (Config, error) {
	var head struct {
		Mode string `yaml:"mode"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return Config{}, fmt.Errorf("parse firmware config: %w", err)
	}
	if head.Mode != "" {
		m, err := ParseMotorMode(head.Mode)
		if err != nil {
			return Config{}, err
		}
		mode = m
	}

	cfg := Default(mode)
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse firmware config: %w", err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from <prefix>NAME environment variables, e.g.
// DISPENSER_MOTOR_TIMEOUT=250ms or DISPENSER_PIN_MOTOR=9. The result is
// validated.
func (c Config) ApplyEnv(prefix string) (Config, error) {
	get := func(name string) (string, bool) {
		v, ok := os.LookupEnv(prefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	floats := map[string]*float64{
		"DISTANCE_MIN":    &c.DistanceMin,
		"DISTANCE_MAX":    &c.DistanceMax,
		"VOLTAGE_SCALING": &c.VoltageScaling,
	}
	for name, dst := range floats {
		if v, ok := get(name); ok {
			f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64)
			if err != nil {
				return c, fmt.Errorf("%s%s: %w", prefix, name, err)
			}
			*dst = f
		}
	}

	ints := map[string]*int{
		"IR_FOUND_MIN":    &c.IRFoundMin,
		"IR_FOUND_MAX":    &c.IRFoundMax,
		"IR_FOUND_TARGET": &c.IRFoundTarget,
		"SERVO_RUN":       &c.ServoRun,
		"SERVO_STOP":      &c.ServoStop,
	}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return c, fmt.Errorf("%s%s: %w", prefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"MOTOR_TIMEOUT": &c.MotorTimeout,
		"IR_FRAMETIME":  &c.IRFrameTime,
	}
	for name, dst := range durations {
		if v, ok := get(name); ok {
			d, err := parseMillis(v)
			if err != nil {
				return c, fmt.Errorf("%s%s: %w", prefix, name, err)
			}
			*dst = d
		}
	}

	pins := map[string]*Pin{
		"PIN_IR_SENSOR": &c.Pins.IRSensor,
		"PIN_MOTOR":     &c.Pins.Motor,
		"PIN_RGB_RED":   &c.Pins.RGBRed,
		"PIN_RGB_GREEN": &c.Pins.RGBGreen,
		"PIN_RGB_BLUE":  &c.Pins.RGBBlue,
	}
	for name, dst := range pins {
		if v, ok := get(name); ok {
			p, err := ParsePin(v)
			if err != nil {
				return c, fmt.Errorf("%s%s: %w", prefix, name, err)
			}
			*dst = p
		}
	}

	return c, c.Validate()
}

// parseMillis accepts a Go duration ("300ms") or a bare number of milliseconds.
func parseMillis(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
