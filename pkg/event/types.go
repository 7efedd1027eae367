package event

// Type は通知の起点となるビジネスイベントの種類を表す。
// 取りうる値は下記の定数に閉じており、AllTypes で列挙できる。
type Type string

const (
	// TypeCampaignUpdate はキャンペーンのステータスが変化したことを表す。
	TypeCampaignUpdate Type = "CAMPAIGN_UPDATE"
	// TypeApplicationUpdate は応募のステータスが変化したことを表す。
	TypeApplicationUpdate Type = "APPLICATION_UPDATE"
	// TypeNewMessage はチャットメッセージを受信したことを表す。
	TypeNewMessage Type = "NEW_MESSAGE"
	// TypeNewApplication はキャンペーンに新しい応募があったことを表す。
	TypeNewApplication Type = "NEW_APPLICATION"
	// TypePaymentUpdate は支払いの状態が変化したことを表す。
	TypePaymentUpdate Type = "PAYMENT_UPDATE"
	// TypeComplianceApproved はコンテンツがコンプライアンスチェックを通過したことを表す。
	TypeComplianceApproved Type = "COMPLIANCE_APPROVED"
	// TypeComplianceFlagged はコンテンツが手動レビュー対象になったことを表す。
	TypeComplianceFlagged Type = "COMPLIANCE_FLAGGED"
	// TypeComplianceRejected はコンテンツがコンプライアンス違反で却下されたことを表す。
	TypeComplianceRejected Type = "COMPLIANCE_REJECTED"
	// TypeContractUpdate は契約の状態が変化したことを表す。
	TypeContractUpdate Type = "CONTRACT_UPDATE"
	// TypeNewReview は新しいレビューが投稿されたことを表す。
	TypeNewReview Type = "NEW_REVIEW"
)

// allTypes は定義済みのイベント種別の一覧。
var allTypes = []Type{
	TypeCampaignUpdate,
	TypeApplicationUpdate,
	TypeNewMessage,
	TypeNewApplication,
	TypePaymentUpdate,
	TypeComplianceApproved,
	TypeComplianceFlagged,
	TypeComplianceRejected,
	TypeContractUpdate,
	TypeNewReview,
}

// AllTypes は定義済みのイベント種別をすべて返す。
// 戻り値は呼び出し側で変更してもよいコピー。
func AllTypes() []Type {
	types := make([]Type, len(allTypes))
	copy(types, allTypes)
	return types
}

// Valid は定義済みのイベント種別かどうかを返す。
func (t Type) Valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority は通知の優先度を表す。イベント種別ごとに固定される。
type Priority string

const (
	// PriorityLow は低優先度。
	PriorityLow Priority = "LOW"
	// PriorityMedium は通常の優先度。
	PriorityMedium Priority = "MEDIUM"
	// PriorityHigh は高優先度。
	PriorityHigh Priority = "HIGH"
)

// CampaignUpdateData はCAMPAIGN_UPDATEイベントのデータ。
type CampaignUpdateData struct {
	// CampaignID は対象キャンペーンのID。
	CampaignID string `json:"campaignId"`
	// CampaignTitle はキャンペーン名。
	CampaignTitle string `json:"campaignTitle,omitempty"`
	// Status は変更後のステータス（ACTIVE, PAUSED, COMPLETED, CANCELLED など）。
	Status string `json:"status"`
}

// ApplicationUpdateData はAPPLICATION_UPDATEイベントのデータ。
type ApplicationUpdateData struct {
	// ApplicationID は対象応募のID。
	ApplicationID string `json:"applicationId"`
	// CampaignID は応募先キャンペーンのID。
	CampaignID string `json:"campaignId,omitempty"`
	// Status は変更後のステータス（SHORTLISTED, HIRED, REJECTED など）。
	Status string `json:"status"`
}

// NewApplicationData はNEW_APPLICATIONイベントのデータ。
type NewApplicationData struct {
	// ApplicationID は作成された応募のID。
	ApplicationID string `json:"applicationId"`
	// CampaignID は応募先キャンペーンのID。
	CampaignID string `json:"campaignId"`
	// CampaignTitle はキャンペーン名。
	CampaignTitle string `json:"campaignTitle,omitempty"`
	// ApplicantName は応募したインフルエンサーの表示名。
	ApplicantName string `json:"applicantName,omitempty"`
}

// NewMessageData はNEW_MESSAGEイベントのデータ。
type NewMessageData struct {
	// ConversationID は会話のID。
	ConversationID string `json:"conversationId"`
	// MessageID はメッセージのID。
	MessageID string `json:"messageId,omitempty"`
	// SenderName は送信者の表示名。
	SenderName string `json:"senderName,omitempty"`
}

// PaymentUpdateData はPAYMENT_UPDATEイベントのデータ。
type PaymentUpdateData struct {
	// PaymentID は支払いのID。
	PaymentID string `json:"paymentId,omitempty"`
	// ContractID は関連する契約のID。
	ContractID string `json:"contractId,omitempty"`
	// Status は変更後のステータス（PENDING, ESCROWED, RELEASED, REFUNDED など）。
	Status string `json:"status"`
	// Amount は金額（最小通貨単位ではなく表示単位）。
	Amount float64 `json:"amount,omitempty"`
}

// ComplianceData はCOMPLIANCE_*イベント共通のデータ。
type ComplianceData struct {
	// ContentID はチェック対象コンテンツのID。
	ContentID string `json:"contentId,omitempty"`
	// CampaignID は関連するキャンペーンのID。
	CampaignID string `json:"campaignId,omitempty"`
	// Violations は検出された違反の一覧。
	Violations []string `json:"violations,omitempty"`
}

// ContractUpdateData はCONTRACT_UPDATEイベントのデータ。
type ContractUpdateData struct {
	// ContractID は契約のID。
	ContractID string `json:"contractId"`
	// CampaignID は関連するキャンペーンのID。
	CampaignID string `json:"campaignId,omitempty"`
	// Status は変更後のステータス（SENT, SIGNED, COMPLETED, TERMINATED など）。
	Status string `json:"status"`
}

// NewReviewData はNEW_REVIEWイベントのデータ。
type NewReviewData struct {
	// ReviewID はレビューのID。
	ReviewID string `json:"reviewId"`
	// ReviewerName はレビュー投稿者の表示名。
	ReviewerName string `json:"reviewerName,omitempty"`
	// Rating は評価（1〜5）。
	Rating int `json:"rating,omitempty"`
}

// Recipient は1人の通知先と、その通知先向けのコンテキストデータの組。
// 複数人に通知するイベントはイベント発行側でRecipientの列に解決する。
type Recipient struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"userId" validate:"required"`
	// Data はテンプレートと画面遷移に使うコンテキストデータ。
	Data map[string]any `json:"data"`
}

// Envelope はイベント発行側から届く配信依頼。
// NATS経由のイベント取り込みと内部HTTP APIの両方で使用する。
type Envelope struct {
	// Type はイベントの種類。
	Type Type `json:"type" validate:"required"`
	// Recipients は通知先の一覧。
	Recipients []Recipient `json:"recipients" validate:"required,min=1,dive"`
}
