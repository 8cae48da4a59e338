package tap

// Forward passes data through untouched.
type Forward struct{}

func (Forward) Handle(data []byte, _ AddrContext) ([]byte, error) {
	return data, nil
}
