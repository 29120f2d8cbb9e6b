package proximity

// A Service is a BLE service.
// Calls to AddCharacteristic must occur before the
// service is served.
type Service struct {
	uuid  UUID
	chars []*Characteristic
}

// NewService creates a service with uuid u.
func NewService(u UUID) *Service {
	return &Service{uuid: u}
}

// AddCharacteristic adds a characteristic to a service.
// AddCharacteristic panics if the service already contains
// another characteristic with the same UUID.
func (s *Service) AddCharacteristic(u UUID) *Characteristic {
	for _, char := range s.chars {
		if char.uuid.Equal(u) {
			panic("service already contains a characteristic with uuid " + u.String())
		}
	}

	char := &Characteristic{
		service: s,
		uuid:    u,
	}
	s.chars = append(s.chars, char)
	return char
}

// Characteristic returns the characteristic with uuid u, or nil.
func (s *Service) Characteristic(u UUID) *Characteristic {
	for _, char := range s.chars {
		if char.uuid.Equal(u) {
			return char
		}
	}
	return nil
}

// UUID returns the service's UUID.
func (s *Service) UUID() UUID {
	return s.uuid
}

// Discovered describes s the way a remote client sees it after service
// discovery.
func (s *Service) Discovered() DiscoveredService {
	d := DiscoveredService{UUID: s.uuid}
	for _, c := range s.chars {
		d.Characteristics = append(d.Characteristics, c.uuid)
	}
	return d
}
