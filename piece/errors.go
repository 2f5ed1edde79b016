package piece

import "fmt"

// IntegrityError reports a piece whose content does not match its hash. The
// piece is discarded and can be fetched again.
type IntegrityError struct {
	Piece int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("piece %d failed hash verification", e.Piece)
}
