package models

// BazaarCommitRequest is the body of POST /v1/apps/releases/commit/.
type BazaarCommitRequest struct {
	ChangelogEn             string `json:"changelog_en"`
	ChangelogFa             string `json:"changelog_fa"`
	DeveloperNote           string `json:"developer_note"`
	StagedRolloutPercentage int    `json:"staged_rollout_percentage"`
	AutoPublish             bool   `json:"auto_publish"`
}
