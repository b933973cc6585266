package repository

// Repositories bundles every repository over one DocumentStore.
type Repositories struct {
	Tenants            TenantRepository
	Devices            DeviceRepository
	Registrations      RegistrationRepository
	DeviceSessions     DeviceSessionRepository
	APIKeys            APIKeyRepository
	RefreshTokens      RefreshTokenRepository
	CredentialSessions CredentialSessionRepository
}

func New(store DocumentStore) *Repositories {
	return &Repositories{
		Tenants:            NewTenantRepository(store),
		Devices:            NewDeviceRepository(store),
		Registrations:      NewRegistrationRepository(store),
		DeviceSessions:     NewDeviceSessionRepository(store),
		APIKeys:            NewAPIKeyRepository(store),
		RefreshTokens:      NewRefreshTokenRepository(store),
		CredentialSessions: NewCredentialSessionRepository(store),
	}
}
