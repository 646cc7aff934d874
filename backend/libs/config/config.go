package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding an optional YAML file path.
const FileEnv = "CONFIG_FILE"

var (
	durationType = reflect.TypeOf(time.Duration(0))
	errTarget    = errors.New("config: target must be pointer to struct")
)

// LoadConfig reads the YAML file named by CONFIG_FILE, if any, into target and
// then applies environment overrides.
func LoadConfig(target any) error {
	return LoadConfigFrom(os.Getenv(FileEnv), target)
}

// LoadConfigFrom is LoadConfig with an explicit file path. An empty path skips the file.
//
// Every exported leaf field maps to an environment key. The key is the
// upper-cased field path joined by underscores (INNER_PORT), unless the field
// carries an `env:"KEY"` tag; `env:"-"` opts out. Durations use
// time.ParseDuration syntax and string slices are comma separated. All
// malformed values are reported together.
func LoadConfigFrom(path string, target any) error {
	root, err := structOf(target)
	if err != nil {
		return err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("config: decode yaml %s: %w", path, err)
		}
	}

	var errs []error
	walk(root, "", func(key string, field reflect.Value) {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if err := set(field, raw); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
		}
	})
	return errors.Join(errs...)
}

// EnvKeys lists the environment keys LoadConfig consults for target.
func EnvKeys(target any) ([]string, error) {
	root, err := structOf(target)
	if err != nil {
		return nil, err
	}
	var keys []string
	walk(root, "", func(key string, _ reflect.Value) {
		keys = append(keys, key)
	})
	return keys, nil
}

func structOf(target any) (reflect.Value, error) {
	if target == nil {
		return reflect.Value{}, errTarget
	}
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, errTarget
	}
	return v.Elem(), nil
}

func walk(v reflect.Value, prefix string, visit func(key string, field reflect.Value)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Anonymous && fv.Kind() == reflect.Struct {
			walk(fv, prefix, visit)
			continue
		}

		tag := sf.Tag.Get("env")
		if tag == "-" {
			continue
		}
		key := envKey(prefix, sf.Name)
		if tag != "" {
			key = envKey("", tag)
		}

		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			walk(fv, key, visit)
			continue
		}
		visit(key, fv)
	}
}

func envKey(prefix, name string) string {
	name = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func set(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 0, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items).Convert(field.Type()))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
