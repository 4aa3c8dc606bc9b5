package model

// SecondFactorMode selects how the pending second factor is proven
type SecondFactorMode string

const (
	SecondFactorTOTP   SecondFactorMode = "totp"
	SecondFactorBackup SecondFactorMode = "backup"
)

// TOTPEnrollment is returned when a user starts enabling two-factor auth
type TOTPEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioningUri"`
	QRCode          string `json:"qrCode"`
}

// BackupCodesResponse carries freshly generated recovery codes. They are
// shown once and only their hashes are stored.
type BackupCodesResponse struct {
	Codes []string `json:"codes"`
}
