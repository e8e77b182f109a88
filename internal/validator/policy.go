package validator

// Policy is the data that drives validation. Every list is matched
// case-insensitively against SQL words outside literals.
type Policy struct {
	// AllowedStatements are the keywords a statement may start with.
	AllowedStatements []string `yaml:"allowed_statements"`
	// ForbiddenKeywords mark data-definition, data-modification and
	// procedural statements. Any occurrence rejects the statement.
	ForbiddenKeywords []string `yaml:"forbidden_keywords"`
	// DeniedKeywords are dangerous constructs that are not statements.
	DeniedKeywords []string `yaml:"denied_keywords"`
	// DeniedFunctions are rejected when called.
	DeniedFunctions []string `yaml:"denied_functions"`
	// DeniedFunctionPrefixes reject any function whose name starts with one of them.
	DeniedFunctionPrefixes []string `yaml:"denied_function_prefixes"`
	// DeniedSchemas are system catalogs that generated SQL must not touch.
	DeniedSchemas []string `yaml:"denied_schemas"`
	// AllowedSchemas are the schema qualifiers a table reference may carry.
	// Unqualified tables always resolve against the schema context.
	AllowedSchemas []string `yaml:"allowed_schemas"`
	// AllowComments permits -- and /* */ sequences.
	AllowComments bool `yaml:"allow_comments"`
}

// DefaultPolicy returns the read-only policy used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		AllowedStatements: []string{"select", "with"},
		ForbiddenKeywords: []string{
			"insert", "update", "delete", "merge", "upsert",
			"drop", "create", "alter", "truncate", "rename",
			"grant", "revoke", "deny",
			"exec", "execute", "call", "do",
			"into", "attach", "detach", "pragma", "vacuum", "reindex",
			"lock", "declare", "commit", "rollback", "savepoint",
			"backup", "restore", "dbcc", "copy",
		},
		DeniedKeywords: []string{"waitfor", "shutdown", "kill", "reconfigure"},
		DeniedFunctions: []string{
			"openrowset", "opendatasource", "openquery", "openxml",
			"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
			"pg_sleep", "pg_terminate_backend", "pg_cancel_backend",
			"lo_import", "lo_export", "dblink", "dblink_exec",
			"load_file", "sleep", "benchmark", "sys_exec", "sys_eval",
			"set_config", "current_setting", "version",
		},
		DeniedFunctionPrefixes: []string{"xp_", "sp_"},
		AllowedSchemas:         []string{"public", "dbo"},
		DeniedSchemas: []string{
			"sys", "information_schema", "pg_catalog", "pg_toast",
			"master", "msdb", "tempdb", "model", "mysql", "performance_schema",
			"sqlite_master", "sqlite_schema",
		},
	}
}
