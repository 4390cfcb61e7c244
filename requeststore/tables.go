package requeststore

import (
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/getcaravan/caravan/schemas"
)

// TableBatchRequest is the GORM model for one model request.
//
// Body and Response are stored as serialized JSON; InputTokens is
// denormalized out of the body so the packer can budget without parsing.
type TableBatchRequest struct {
	CustomID    string    `gorm:"primaryKey;type:varchar(512)" json:"custom_id"`
	Body        string    `gorm:"type:text;not null" json:"-"`
	InputTokens int       `gorm:"default:0" json:"input_tokens"`
	BatchID     *string   `gorm:"type:varchar(255);index:idx_batch_requests_batch_id" json:"batch_id"`
	Response    *string   `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `gorm:"index;not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`

	// Virtual fields populated from the serialized columns
	BodyParsed     *schemas.RequestBody     `gorm:"-" json:"body,omitempty"`
	ResponseParsed *schemas.RequestResponse `gorm:"-" json:"response,omitempty"`
}

// TableName sets the table name for GORM
func (TableBatchRequest) TableName() string {
	return "batch_requests"
}

// BeforeSave GORM hook to serialize JSON fields
func (r *TableBatchRequest) BeforeSave(tx *gorm.DB) error {
	return r.serializeFields()
}

// AfterFind GORM hook to deserialize JSON fields
func (r *TableBatchRequest) AfterFind(tx *gorm.DB) error {
	return r.deserializeFields()
}

func (r *TableBatchRequest) serializeFields() error {
	if r.BodyParsed != nil {
		data, err := sonic.Marshal(r.BodyParsed)
		if err != nil {
			return err
		}
		r.Body = string(data)
		r.InputTokens = r.BodyParsed.InputTokens
	}
	if r.ResponseParsed != nil {
		data, err := sonic.Marshal(r.ResponseParsed)
		if err != nil {
			return err
		}
		s := string(data)
		r.Response = &s
	}
	return nil
}

func (r *TableBatchRequest) deserializeFields() error {
	if r.Body != "" {
		var body schemas.RequestBody
		if err := sonic.Unmarshal([]byte(r.Body), &body); err != nil {
			return err
		}
		r.BodyParsed = &body
	}
	if r.Response != nil && *r.Response != "" {
		var response schemas.RequestResponse
		if err := sonic.Unmarshal([]byte(*r.Response), &response); err != nil {
			return err
		}
		r.ResponseParsed = &response
	}
	return nil
}

func fromRequest(req *schemas.BatchRequest) *TableBatchRequest {
	return &TableBatchRequest{
		CustomID:       req.CustomID,
		BatchID:        req.BatchID,
		BodyParsed:     req.Body,
		ResponseParsed: req.Response,
	}
}

func (r *TableBatchRequest) toRequest() *schemas.BatchRequest {
	return &schemas.BatchRequest{
		CustomID:  r.CustomID,
		Body:      r.BodyParsed,
		BatchID:   r.BatchID,
		Response:  r.ResponseParsed,
		CreatedAt: r.CreatedAt,
	}
}
