package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
)

// envConfig assigns fields of s from the environment variable named in the field's tag.
func envConfig(key string, s interface{}) {
	v := reflect.ValueOf(s).Elem()
	typeParam := v.Type()
	for i := 0; i < v.NumField(); i++ {
		fName := typeParam.Field(i).Name
		fEnvTag := typeParam.Field(i).Tag.Get(key)
		if fEnvTag == "" {
			continue
		}
		raw, ok := os.LookupEnv(fEnvTag)
		if !ok || raw == "" {
			continue
		}

		switch v.Field(i).Interface().(type) {
		case string:
			v.Field(i).SetString(raw)
		case int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				slog.Warn("Ignoring config value", "key", fEnvTag, "err", err)
				continue
			}
			v.Field(i).SetInt(int64(n))
		case bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				slog.Warn("Ignoring config value", "key", fEnvTag, "err", err)
				continue
			}
			v.Field(i).SetBool(b)
		case []string:
			parts := strings.Split(raw, ",")
			for j := range parts {
				parts[j] = strings.TrimSpace(parts[j])
			}
			v.Field(i).Set(reflect.ValueOf(parts))
		default:
			continue
		}
		slog.Info("Set config value",
			slog.String("key", typeParam.Name()+"."+fName),
			slog.String("value", raw),
			slog.String("source", "ENVIRONMENT"),
		)
	}
}

// StripComments turns commented json (trailing commas included) into standard json.
func StripComments(in []byte) ([]byte, error) {
	out, err := hujson.Standardize(in)
	if err != nil {
		return nil, fmt.Errorf("invalid commented json: %w", err)
	}
	return out, nil
}
