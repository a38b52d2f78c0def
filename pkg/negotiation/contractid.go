package negotiation

import (
	"strings"

	"github.com/google/uuid"
)

// ContractID is the structured form of offer and agreement ids:
// <definitionId>:<uuid>.
type ContractID struct {
	raw        string
	definition string
	unique     string
}

// NewContractID mints a fresh contract id for the given definition.
func NewContractID(definitionID string) string {
	return definitionID + ":" + uuid.New().String()
}

// ParseContractID splits raw into its parts. Use Valid to check the result.
func ParseContractID(raw string) ContractID {
	id := ContractID{raw: raw}
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return id
	}
	id.definition = raw[:idx]
	id.unique = raw[idx+1:]
	return id
}

// Valid reports whether both parts are present and the unique part is a UUID.
func (c ContractID) Valid() bool {
	return c.definition != "" && isValidUUID(c.unique)
}

// DefinitionPart returns the contract definition id.
func (c ContractID) DefinitionPart() string {
	return c.definition
}

func (c ContractID) String() string {
	return c.raw
}
