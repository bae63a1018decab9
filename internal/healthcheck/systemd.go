package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"confctl/internal/remote"
)

const (
	KindSystemdProperties     = "systemd-properties"
	KindSystemdUnitProperties = "systemd-unit-properties"
)

func init() {
	register(KindSystemdProperties, func(data []byte) (Check, error) {
		var c SystemdProperties
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		if len(c.Properties) == 0 {
			return nil, errors.New("at least one property is required")
		}
		return &c, nil
	})
	register(KindSystemdUnitProperties, func(data []byte) (Check, error) {
		var c SystemdUnitProperties
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		if c.Unit == "" {
			return nil, errors.New("unit is required")
		}
		if len(c.Properties) == 0 {
			return nil, errors.New("at least one property is required")
		}
		return &c, nil
	})
}

// Property is an expected systemd property value.
type Property struct {
	Name  string `json:"property"`
	Value string `json:"value"`
}

// SystemdProperties checks properties of the systemd manager itself.
type SystemdProperties struct {
	Type       string     `json:"type"`
	Properties []Property `json:"properties"`
	Timing
}

// DefaultSystemdCheck waits for the system to finish booting.
func DefaultSystemdCheck() *SystemdProperties {
	return &SystemdProperties{
		Type:       KindSystemdProperties,
		Properties: []Property{{Name: "SystemState", Value: "running"}},
		Timing:     Timing{Timeout: Seconds(60 * time.Second), Cooldown: Seconds(3 * time.Second)},
	}
}

func (c *SystemdProperties) Kind() string { return KindSystemdProperties }

func (c *SystemdProperties) Description() string {
	return "systemd " + describeProperties(c.Properties)
}

func (c *SystemdProperties) Run(ctx context.Context, env Env) Result {
	return retry(ctx, c.Description(), c.Timing, env.logger(), func(ctx context.Context) []string {
		return checkProperties(ctx, env, "", c.Properties)
	})
}

// SystemdUnitProperties checks properties of one unit.
type SystemdUnitProperties struct {
	Type       string     `json:"type"`
	Unit       string     `json:"unit"`
	Properties []Property `json:"properties"`
	Timing
}

func (c *SystemdUnitProperties) Kind() string { return KindSystemdUnitProperties }

func (c *SystemdUnitProperties) Description() string {
	return "unit " + c.Unit + " " + describeProperties(c.Properties)
}

func (c *SystemdUnitProperties) Run(ctx context.Context, env Env) Result {
	return retry(ctx, c.Description(), c.Timing, env.logger(), func(ctx context.Context) []string {
		return checkProperties(ctx, env, c.Unit, c.Properties)
	})
}

func describeProperties(props []Property) string {
	parts := make([]string, len(props))
	for i, p := range props {
		parts[i] = p.Name + "=" + p.Value
	}
	return strings.Join(parts, ", ")
}

func checkProperties(ctx context.Context, env Env, unit string, props []Property) []string {
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Name
	}
	argv := []string{"systemctl", "show"}
	if unit != "" {
		argv = append(argv, unit)
	}
	argv = append(argv, "--property="+strings.Join(names, ","))

	out, err := remote.Run(ctx, env.Transport, env.Target, argv...)
	if err != nil {
		return []string{err.Error()}
	}
	got := parseProperties(out)

	var reasons []string
	for _, p := range props {
		v, ok := got[p.Name]
		switch {
		case !ok:
			reasons = append(reasons, fmt.Sprintf("property %s not reported", p.Name))
		case v != p.Value:
			reasons = append(reasons, fmt.Sprintf("property %s is %q, expected %q", p.Name, v, p.Value))
		}
	}
	return reasons
}

func parseProperties(out string) map[string]string {
	props := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			props[k] = v
		}
	}
	return props
}
