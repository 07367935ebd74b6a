package cohorts

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

// pageToken is opaque to clients. The fingerprint binds a token to the
// request that produced it, so a token replayed against a different
// request is rejected rather than silently returning wrong rows.
type pageToken struct {
	Offset      int64  `json:"o"`
	Fingerprint string `json:"f"`
}

func encodePageToken(offset int64, fingerprint string) string {
	data, _ := json.Marshal(pageToken{Offset: offset, Fingerprint: fingerprint})
	return base64.URLEncoding.EncodeToString(data)
}

func decodePageToken(token, fingerprint string) (int64, error) {
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, apierrors.BadRequest(apierrors.CodeInvalidRequest, "invalid page token")
	}
	var decoded pageToken
	if err := json.Unmarshal(data, &decoded); err != nil {
		return 0, apierrors.BadRequest(apierrors.CodeInvalidRequest, "invalid page token")
	}
	if decoded.Offset < 0 {
		return 0, apierrors.BadRequest(apierrors.CodeInvalidRequest, "invalid page token")
	}
	if decoded.Fingerprint != fingerprint {
		return 0, apierrors.BadRequest(apierrors.CodeStalePageToken,
			"page token does not match the rest of the request")
	}
	return decoded.Offset, nil
}

// requestFingerprint hashes everything about a materialization request
// except its paging fields.
func requestFingerprint(req *models.MaterializeCohortRequest) string {
	normalized := *req
	normalized.PageToken = ""
	normalized.PageSize = 0
	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
