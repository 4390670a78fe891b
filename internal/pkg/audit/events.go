package audit

// Business events.
const (
	EventDeliveryReconciled = "delivery.reconciled"
	EventDeliverySent       = "delivery.sent"
	EventDeliveryFailed     = "delivery.failed"
	EventDeliveryRetrying   = "delivery.retrying"

	EventWebhookReconciled = "webhook.reconciled"
	EventWebhookCompleted  = "webhook.completed"
	EventWebhookFailed     = "webhook.failed"

	EventUsageRollover = "subscription.usage_rollover"

	EventCreditsGranted  = "credits.granted"
	EventCreditsDeducted = "credits.deducted"
	EventCreditsRefunded = "credits.refunded"

	EventAuditArchived = "system.audit_archived"
)

// Alert-class events. They signal an operational threshold was crossed.
const (
	AlertReconcilerHighVolume     = "system.reconciler_high_volume"
	AlertReconcilerSLOBreach      = "system.reconciler_slo_breach"
	AlertWebhookHighVolume        = "system.webhook_reconciler_high_volume"
	AlertWebhookSLOBreach         = "system.webhook_slo_breach"
	AlertWebhookMaxRetries        = "system.webhook_max_retries_exceeded"
	AlertRolloverSlow             = "system.rollover_slow"
	AlertRolloverHighErrorRate    = "system.rollover_high_error_rate"
	AlertDeliveryAttemptsExceeded = "system.delivery_attempts_exceeded"
)
