package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"applylens/pkg/models"
)

// actionPayload describes a disposition. Redaction hashes mailbox identifiers
// and params, which may carry addresses or folder names.
func actionPayload(a models.ProposedAction, redact bool, salt []byte) map[string]any {
	out := map[string]any{
		"status":            a.Status,
		"kind":              a.Kind,
		"rule_id":           a.RuleID,
		"bundle_version":    a.BundleVersion,
		"canary":            a.Canary,
		"requires_approval": a.RequiresApproval,
		"deferred":          a.Deferred,
		"decision_reason":   a.DecisionReason,
		"failure_reason":    a.FailureReason,
	}
	if !redact {
		out["subject_id"] = a.SubjectID
		out["user_id"] = a.UserID
		if len(a.Params) > 0 {
			out["params"] = a.Params
		}
		return out
	}
	out["subject_id_hash"] = hashString(a.SubjectID, salt)
	out["user_id_hash"] = hashString(a.UserID, salt)
	if len(a.Params) > 0 {
		out["params_hash"] = hashParams(a.Params, salt)
	}
	return out
}

func hashParams(params map[string]any, salt []byte) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
