package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nao1215/marketplace/pkg/event"
)

// template はイベント種別ごとの通知文面の生成規則。
type template struct {
	// priority は種別ごとに固定の優先度。
	priority event.Priority
	// subject は汎用メッセージ（"{subject} updated to {status}"）に使う名詞。
	subject string
	// render はコンテキストデータからタイトルと本文を生成する。
	render func(subject string, data map[string]any) (title, message string)
}

// templates はイベント種別からテンプレートへの対応表。
// event.AllTypes のすべての種別がここに定義されていなければならない。
var templates = map[event.Type]template{
	event.TypeCampaignUpdate: {
		priority: event.PriorityMedium,
		subject:  "Campaign",
		render:   renderCampaignUpdate,
	},
	event.TypeApplicationUpdate: {
		priority: event.PriorityHigh,
		subject:  "Application",
		render:   renderApplicationUpdate,
	},
	event.TypeNewApplication: {
		priority: event.PriorityMedium,
		subject:  "Application",
		render:   renderNewApplication,
	},
	event.TypeNewMessage: {
		priority: event.PriorityMedium,
		subject:  "Message",
		render:   renderNewMessage,
	},
	event.TypePaymentUpdate: {
		priority: event.PriorityHigh,
		subject:  "Payment",
		render:   renderPaymentUpdate,
	},
	event.TypeComplianceApproved: {
		priority: event.PriorityLow,
		subject:  "Content",
		render: func(_ string, _ map[string]any) (string, string) {
			return "Content Approved", "Your content has passed compliance check and is approved!"
		},
	},
	event.TypeComplianceFlagged: {
		priority: event.PriorityMedium,
		subject:  "Content",
		render: func(_ string, data map[string]any) (string, string) {
			d := decode[event.ComplianceData](data)
			return "Content Flagged for Review", withViolations("Your content has been flagged for manual review", d.Violations)
		},
	},
	event.TypeComplianceRejected: {
		priority: event.PriorityHigh,
		subject:  "Content",
		render: func(_ string, data map[string]any) (string, string) {
			d := decode[event.ComplianceData](data)
			return "Content Rejected", withViolations("Your content was rejected for compliance violations", d.Violations)
		},
	},
	event.TypeContractUpdate: {
		priority: event.PriorityHigh,
		subject:  "Contract",
		render:   renderContractUpdate,
	},
	event.TypeNewReview: {
		priority: event.PriorityLow,
		subject:  "Review",
		render:   renderNewReview,
	},
}

// renderNotification は種別とコンテキストデータから文面と優先度を決める。
// 未定義の種別ではokがfalseになる。
func renderNotification(typ event.Type, data map[string]any) (title, message string, priority event.Priority, ok bool) {
	tmpl, ok := templates[typ]
	if !ok {
		return "", "", "", false
	}
	title, message = tmpl.render(tmpl.subject, data)
	return title, message, tmpl.priority, true
}

// decode はコンテキストデータを型付きに変換する。
// 型が合わないフィールドだけをゼロ値にし、他のフィールドは読み取った値を使う。
// ゼロ値になったフィールドについては、テンプレートが汎用の文面にフォールバックする。
func decode[T any](data map[string]any) T {
	v, err := event.DecodeData[T](data)
	var typeErr *json.UnmarshalTypeError
	if err != nil && !errors.As(err, &typeErr) {
		var zero T
		return zero
	}
	return *v
}

// genericUpdate は未知のサブステータス向けの文面を返す。
func genericUpdate(subject, status string) string {
	if status == "" {
		return subject + " updated"
	}
	return fmt.Sprintf("%s updated to %s", subject, status)
}

func withViolations(base string, violations []string) string {
	if len(violations) == 0 {
		return base
	}
	return base + ": " + strings.Join(violations, ", ")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func renderCampaignUpdate(subject string, data map[string]any) (string, string) {
	d := decode[event.CampaignUpdateData](data)
	name := orDefault(d.CampaignTitle, "Your campaign")
	switch d.Status {
	case "ACTIVE":
		return "Campaign Update", name + " is now live"
	case "PAUSED":
		return "Campaign Update", name + " has been paused"
	case "COMPLETED":
		return "Campaign Update", name + " has been completed"
	case "CANCELLED":
		return "Campaign Update", name + " has been cancelled"
	}
	return "Campaign Update", genericUpdate(subject, d.Status)
}

func renderApplicationUpdate(subject string, data map[string]any) (string, string) {
	const title = "Application Status Update"
	d := decode[event.ApplicationUpdateData](data)
	switch d.Status {
	case "SHORTLISTED":
		return title, "Congratulations! You've been shortlisted"
	case "HIRED":
		return title, "Great news! You've been hired for this campaign"
	case "REJECTED":
		return title, "Your application was not selected for this campaign"
	}
	return title, genericUpdate(subject, d.Status)
}

func renderNewApplication(_ string, data map[string]any) (string, string) {
	d := decode[event.NewApplicationData](data)
	return "New Application Received",
		fmt.Sprintf("%s applied to %s", orDefault(d.ApplicantName, "An influencer"), orDefault(d.CampaignTitle, "your campaign"))
}

func renderNewMessage(_ string, data map[string]any) (string, string) {
	d := decode[event.NewMessageData](data)
	return "New Message", "New message from " + orDefault(d.SenderName, "a user")
}

func renderPaymentUpdate(subject string, data map[string]any) (string, string) {
	d := decode[event.PaymentUpdateData](data)
	switch d.Status {
	case "RELEASED":
		return "Payment Received", "Payment has been released"
	case "ESCROWED":
		return "Payment Secured", "Payment has been secured in escrow"
	case "REFUNDED":
		return "Payment Refunded", "Payment has been refunded"
	}
	return "Payment Update", genericUpdate(subject, d.Status)
}

func renderContractUpdate(subject string, data map[string]any) (string, string) {
	d := decode[event.ContractUpdateData](data)
	switch d.Status {
	case "SENT":
		return "Contract Update", "A new contract is ready for your signature"
	case "SIGNED":
		return "Contract Update", "Contract has been signed"
	case "COMPLETED":
		return "Contract Update", "Contract has been completed"
	case "TERMINATED":
		return "Contract Update", "Contract has been terminated"
	}
	return "Contract Update", genericUpdate(subject, d.Status)
}

func renderNewReview(_ string, data map[string]any) (string, string) {
	d := decode[event.NewReviewData](data)
	if d.Rating > 0 {
		return "New Review", fmt.Sprintf("%s left you a %d-star review", orDefault(d.ReviewerName, "Someone"), d.Rating)
	}
	return "New Review", "You received a new review"
}
