package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"storefront/models"
)

// Callback is a verified, decoded provider webhook.
type Callback struct {
	TransactionID string
	Result        PaymentResult
	Raw           []byte
}

type callbackBody struct {
	Response string `json:"response"`
}

// DecodeCallback verifies a webhook body against its X-VERIFY header and
// decodes it. A bad signature is reported as models.ErrChecksum before any
// part of the payload is interpreted.
func DecodeCallback(signer Signer, body []byte, signature string) (Callback, error) {
	var wrapper callbackBody
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Response == "" {
		// Without a response field there is nothing to verify against.
		return Callback{}, fmt.Errorf("%w: callback body has no response", models.ErrChecksum)
	}
	if !signer.Verify([]byte(wrapper.Response), signature) {
		return Callback{}, models.ErrChecksum
	}

	raw, err := base64.StdEncoding.DecodeString(wrapper.Response)
	if err != nil {
		return Callback{}, models.Validationf("callback response is not base64: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Callback{}, models.Validationf("callback response is not json: %v", err)
	}
	var data transactionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Callback{}, models.Validationf("callback data is malformed: %v", err)
	}
	if data.MerchantTransactionID == "" {
		return Callback{}, models.Validationf("callback carries no merchant transaction id")
	}

	return Callback{
		TransactionID: data.MerchantTransactionID,
		Result:        decodeResult(env.Code, env.Message, data),
		Raw:           raw,
	}, nil
}
