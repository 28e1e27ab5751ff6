package auth

const (
	// MetricTokensValidated Token 验证计数，标签: outcome, error_type
	MetricTokensValidated = "auth_tokens_validated_total"

	// MetricTokensRefreshed Token 刷新计数，标签: outcome
	MetricTokensRefreshed = "auth_tokens_refreshed_total"

	// MetricValidationDuration Token 验证耗时
	MetricValidationDuration = "auth_token_validation_duration_seconds"
)
