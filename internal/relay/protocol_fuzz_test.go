package relay

import "testing"

func FuzzParseFrame(f *testing.F) {
	f.Add([]byte(`["EVENT",{"id":"e1","pubkey":"pk","kind":1,"content":"","created_at":0,"tags":[],"sig":""}]`))
	f.Add([]byte(`["REQ","s",{}]`))
	f.Add([]byte(`[]`))
	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := ParseFrame(data)
		if err != nil {
			return
		}
		_, _ = frame.Event()
		_, _ = frame.SubscriptionID()
	})
}
