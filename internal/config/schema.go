package config

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^\\s*([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+\\s*$"
    }
  },
  "properties": {
    "registry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "dsn": {"type": "string"},
        "store": {"type": "string", "minLength": 1},
        "key": {"type": "string", "minLength": 1}
      }
    },
    "autosave": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "fileName": {"type": "string", "pattern": "^[^/\\\\]+$"},
        "enabled": {"type": "boolean"},
        "saveInterval": {"$ref": "#/$defs/duration"},
        "debounce": {"$ref": "#/$defs/duration"},
        "maxRetries": {"type": "integer", "minimum": 1},
        "retryBaseDelay": {"$ref": "#/$defs/duration"},
        "retryMaxExponent": {"type": "integer", "minimum": 0, "maximum": 30},
        "permissionCheckInterval": {"$ref": "#/$defs/duration"},
        "skipUnchanged": {"type": "boolean"}
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "addr": {"type": "string"},
        "logLevel": {"enum": ["panic", "fatal", "error", "warn", "warning", "info", "debug", "trace"]},
        "logFormat": {"enum": ["text", "json"]},
        "jwtSecret": {"type": "string"},
        "maxBodyBytes": {"type": "integer", "minimum": 0},
        "rateLimitMax": {"type": "integer", "minimum": 0},
        "rateLimitWindow": {"$ref": "#/$defs/duration"}
      }
    },
    "location": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string"},
        "watch": {"type": "boolean"},
        "interactive": {"type": "boolean"}
      }
    }
  }
}`
