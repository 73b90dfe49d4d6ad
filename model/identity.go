package model

// Identity is what a successful SMTP AUTH binds to an outbound session.
type Identity struct {
	WorkspaceId string `json:"workspaceId"`
	AddressId   string `json:"addressId"`
	MemberId    string `json:"memberId"`
	Address     string `json:"address"`
}
