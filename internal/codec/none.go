package codec

func init() {
	RegisterCompressor("none", newNoneCompressor)
	RegisterSealer("none", newNoneSealer)
}

// noneCompressor and noneSealer are identity passthroughs, used for
// bundles created with compression or encryption disabled.

type noneCompressor struct{}

func newNoneCompressor(param string) (Compressor, error) { return noneCompressor{}, nil }

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Name() string                           { return "none" }

type noneSealer struct{}

func newNoneSealer(param string) (Sealer, error) { return noneSealer{}, nil }

func (noneSealer) Seal(data []byte) ([]byte, error) { return data, nil }
func (noneSealer) Open(data []byte) ([]byte, error) { return data, nil }
func (noneSealer) Name() string                     { return "none" }
