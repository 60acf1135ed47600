package config

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Settings are addressed by the dot path of their JSON names, e.g.
// "campaign.maxRetries", "server.allowedOrigins.0" or
// "browser.selectors.composeInput".

// SelectorKeys are the browser.selectors overrides the chat client understands.
var SelectorKeys = []string{"url", "sendUrl", "loginQr", "composeInput", "sentIndicator"}

const selectorsPrefix = "browser.selectors."

// unitSuffixes lets numeric settings named after a unit take a Go duration.
var unitSuffixes = []struct {
	suffix string
	unit   time.Duration
}{
	{"Ms", time.Millisecond},
	{"Seconds", time.Second},
}

// GetByPath returns the value of one setting or section.
func GetByPath(cfg *Config, path string) (any, error) {
	if key, ok := strings.CutPrefix(path, selectorsPrefix); ok {
		if err := checkSelectorKey(key); err != nil {
			return nil, err
		}
		v, ok := cfg.Browser.Selectors[key]
		if !ok {
			return nil, fmt.Errorf("%s is not overridden; the built-in selector is used", path)
		}
		return v, nil
	}
	v, err := resolve(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw according to the type of the setting at path and
// stores it. cfg is only changed when the result still passes Validate.
// Lists take comma-separated values; an empty selector value removes the
// override.
func SetByPath(cfg *Config, path, raw string) error {
	next := cfg.clone()
	if err := set(next, path, raw); err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}
	*cfg = *next
	return nil
}

func set(cfg *Config, path, raw string) error {
	if key, ok := strings.CutPrefix(path, selectorsPrefix); ok {
		if err := checkSelectorKey(key); err != nil {
			return err
		}
		if raw == "" {
			delete(cfg.Browser.Selectors, key)
			return nil
		}
		if cfg.Browser.Selectors == nil {
			cfg.Browser.Selectors = make(map[string]string)
		}
		cfg.Browser.Selectors[key] = raw
		return nil
	}

	v, err := resolve(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return err
	}
	switch v.Kind() {
	case reflect.Struct, reflect.Map:
		return fmt.Errorf("%s is a section; set one of its keys (see 'config list')", path)
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %q is not true or false", path, raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := parseNumber(path, raw)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Slice:
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		v.Set(reflect.ValueOf(items).Convert(v.Type()))
	default:
		return fmt.Errorf("%s cannot be set from the command line", path)
	}
	return nil
}

// parseNumber reads a whole number. Settings ending in Ms or Seconds also
// accept a duration such as "90s" or "1m30s".
func parseNumber(path, raw string) (int64, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	for _, u := range unitSuffixes {
		if !strings.HasSuffix(path, u.suffix) {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is neither a number nor a duration like 30s", path, raw)
		}
		return int64(d / u.unit), nil
	}
	return 0, fmt.Errorf("%s: %q is not a whole number", path, raw)
}

func resolve(v reflect.Value, path string) (reflect.Value, error) {
	for _, part := range strings.Split(path, ".") {
		switch v.Kind() {
		case reflect.Struct:
			f, ok := fieldByJSONName(v, part)
			if !ok {
				return reflect.Value{}, fmt.Errorf("unknown setting %q (see 'config list')", path)
			}
			v = f
		case reflect.Slice:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= v.Len() {
				return reflect.Value{}, fmt.Errorf("%s: no list entry %q", path, part)
			}
			v = v.Index(i)
		default:
			return reflect.Value{}, fmt.Errorf("unknown setting %q (see 'config list')", path)
		}
	}
	return v, nil
}

func fieldByJSONName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if jsonName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	return name
}

func checkSelectorKey(key string) error {
	if !slices.Contains(SelectorKeys, key) {
		return fmt.Errorf("unknown selector %q (known: %s)", key, strings.Join(SelectorKeys, ", "))
	}
	return nil
}

// clone returns a copy that shares no lists or maps with cfg.
func (cfg *Config) clone() *Config {
	c := *cfg
	c.Server.AllowedOrigins = slices.Clone(cfg.Server.AllowedOrigins)
	c.Notify.Telegram.ChatIDs = slices.Clone(cfg.Notify.Telegram.ChatIDs)
	c.Browser.Selectors = maps.Clone(cfg.Browser.Selectors)
	return &c
}

// Sanitize returns a copy of the config with the bot token masked.
func Sanitize(cfg *Config) *Config {
	c := cfg.clone()
	if c.Notify.Telegram.Token != "" {
		c.Notify.Telegram.Token = maskString(c.Notify.Telegram.Token)
	}
	return c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every setting with its current value, including unset
// optional ones and each selector override.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collect("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collect(prefix string, v reflect.Value, out map[string]any) {
	join := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if name := jsonName(t.Field(i)); name != "" && name != "-" {
				collect(join(name), v.Field(i), out)
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			out[join(iter.Key().String())] = iter.Value().Interface()
		}
	default:
		out[prefix] = v.Interface()
	}
}
