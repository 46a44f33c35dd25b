package models

// SignInResponse is the body of a successful POST /dev-auth/signin/.
//
//	{
//	  "token": "...", "accountId": "...", "accountKey": "...",
//	  "role": "Developer", "is2Step": false, "result": "Successful",
//	  "secureId": "..."
//	}
type SignInResponse struct {
	Token      string `json:"token"`
	AccountID  string `json:"accountId"`
	AccountKey string `json:"accountKey"`
	Role       string `json:"role"`
	Is2Step    bool   `json:"is2Step"`
	Result     string `json:"result"`
	SecureID   string `json:"secureId"`
}

// ReleaseConstraints is the body of GET .../new-release-constraints.
type ReleaseConstraints struct {
	AllowedAddRelease       bool `json:"allowedAddRelease"`
	AllowedAddStagedRollout bool `json:"allowedAddStagedRollout"`
	IsRollbackAllowed       bool `json:"isRollbackAllowed"`
}

// RegisterVersionRequest registers an uploaded package as a pending version.
type RegisterVersionRequest struct {
	ApkLink string `json:"ApkLink"`
}

// ValidateVersionsRequest submits version metadata for validation.
type ValidateVersionsRequest struct {
	Versions []VersionInfo `json:"versions"`
}

// VersionInfo is one entry of ValidateVersionsRequest. Both fields are sent
// as strings, exactly as the panel's own frontend sends them.
type VersionInfo struct {
	VersionCode string `json:"versionCode"`
	SDK         string `json:"sdk"`
}

// DraftReleaseRequest creates a draft release.
type DraftReleaseRequest struct {
	Title                string            `json:"title"`
	StagedRolloutPercent int               `json:"stagedRolloutPercent"`
	TranslationInfos     []TranslationInfo `json:"translationInfos"`
	Versions             []ReleaseVersion  `json:"versions"`
}

// TranslationInfo is a localized changelist. Description is HTML.
type TranslationInfo struct {
	Description string `json:"description"`
	Language    string `json:"language"`
}

// ReleaseVersion attaches an uploaded package to a draft.
type ReleaseVersion struct {
	ApkLink string `json:"apkLink"`
	Case    int    `json:"case"`
}
