package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema constrains the settings tree. It is deliberately loose:
// unknown sections pass (forward compatibility), and numeric fields also
// accept digit strings because INKWELL_* environment overrides always
// arrive as strings. A value of the wrong shape in a section we own is
// rejected at load time instead of surfacing as a runtime failure.
const configSchema = `{
  "$defs": {
    "intish": {"type": ["integer", "string"], "pattern": "^[0-9]+$"},
    "numberish": {"type": ["number", "string"], "pattern": "^[0-9]+(\\.[0-9]+)?$"}
  },
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"$ref": "#/$defs/intish"},
        "rate_limit_rps": {"$ref": "#/$defs/numberish"},
        "rate_limit_burst": {"$ref": "#/$defs/intish"}
      }
    },
    "database": {
      "type": "object",
      "properties": {
        "url": {"type": "string"}
      }
    },
    "redis": {
      "type": "object",
      "properties": {
        "addr": {"type": "string"},
        "password": {"type": "string"},
        "db": {"$ref": "#/$defs/intish"}
      }
    },
    "queue": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["redis", "local"]},
        "stream": {"type": "string"},
        "group": {"type": "string"},
        "max_attempts": {"$ref": "#/$defs/intish"},
        "visibility_seconds": {"$ref": "#/$defs/intish"},
        "retry_delay_seconds": {"$ref": "#/$defs/intish"}
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "dir": {"type": "string"}
      }
    },
    "providers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "type": {"enum": ["openai", "stability", "mock"]},
          "model": {"type": "string"},
          "api_key": {"type": "string"},
          "rate_limit": {"$ref": "#/$defs/numberish"},
          "cost_per_image_usd": {"$ref": "#/$defs/numberish"}
        },
        "required": ["type"]
      }
    },
    "generation": {
      "type": "object",
      "properties": {
        "default_provider": {"type": "string"},
        "inter_unit_delay_seconds": {"$ref": "#/$defs/intish"}
      }
    },
    "notify": {
      "type": "object",
      "properties": {
        "webhook_url": {"type": "string"},
        "timeout_seconds": {"$ref": "#/$defs/intish"}
      }
    },
    "auth": {
      "type": "object",
      "properties": {
        "tokens": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "service_token": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "format": {"enum": ["text", "json"]}
      }
    },
    "usage": {
      "type": "object",
      "properties": {
        "flush_interval_seconds": {"$ref": "#/$defs/intish"},
        "batch_size": {"$ref": "#/$defs/intish"}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", strings.NewReader(configSchema)); err != nil {
		panic("config: schema does not load: " + err.Error())
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		panic("config: schema does not compile: " + err.Error())
	}
	return schema
}

// validateSettings checks the merged settings tree against the schema.
// The tree is round-tripped through JSON first so viper's Go-typed
// values become the plain shapes the validator understands.
func validateSettings(settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode settings for validation: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
