package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IEnvelopeSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IEnvelopeSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IEnvelopeSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(env *proto.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (j jsonSerializerImpl) Deserialize(b []byte, env *proto.Envelope) error {
	return json.Unmarshal(b, env)
}
