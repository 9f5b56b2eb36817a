package serializer

import (
	"bytes"
	"encoding/gob"

	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IEnvelopeSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IEnvelopeSerializer interface using gob encoding
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IEnvelopeSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(env *proto.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, env *proto.Envelope) error {
	buf := bytes.NewBuffer(b)
	dec := gob.NewDecoder(buf)
	return dec.Decode(env)
}
