package ingester

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the attachment tools on srv.
func (ing *Ingester) RegisterMCP(srv *mcp.Server) {
	registerTool(srv, &mcp.Tool{
		Name:        "attachment_upload",
		Description: "Upload a file (base64). Returns created, restored or duplicate with the record.",
		InputSchema: inputSchema(map[string]any{
			"organization_id": map[string]any{"type": "string"},
			"uploader_id":     map[string]any{"type": "string"},
			"filename":        map[string]any{"type": "string"},
			"mime_type":       map[string]any{"type": "string", "description": "Declared MIME type (optional)"},
			"description":     map[string]any{"type": "string"},
			"data_base64":     map[string]any{"type": "string", "description": "File bytes, standard base64"},
		}, []string{"organization_id", "uploader_id", "filename", "data_base64"}),
	}, func(ctx context.Context, args uploadArgs) (any, error) {
		data, err := base64.StdEncoding.DecodeString(args.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("data_base64: %w", err)
		}
		return ing.Upload(ctx, UploadRequest{
			OrganizationID: args.OrganizationID,
			UploaderID:     args.UploaderID,
			Filename:       args.Filename,
			MIMEType:       args.MIMEType,
			Description:    args.Description,
			Data:           data,
		})
	})

	registerTool(srv, idTool("attachment_get", "Get an attachment record with its extracted content."),
		func(ctx context.Context, args idArgs) (any, error) { return ing.Get(ctx, args.ID) })

	registerTool(srv, idTool("attachment_process", "Process an uploaded attachment now. No-op unless status is uploaded."),
		func(ctx context.Context, args idArgs) (any, error) { return ing.Process(ctx, args.ID) })

	registerTool(srv, idTool("attachment_reprocess", "Reset a processed or failed attachment and process it again."),
		func(ctx context.Context, args idArgs) (any, error) { return ing.Reprocess(ctx, args.ID) })

	registerTool(srv, idTool("attachment_delete", "Soft-delete an attachment. Re-uploading the same bytes restores it."),
		func(ctx context.Context, args idArgs) (any, error) { return ing.Delete(ctx, args.ID) })

	registerTool(srv, idTool("attachment_text_view", "Flattened text of an attachment's extracted content."),
		func(ctx context.Context, args idArgs) (any, error) {
			text, err := ing.TextView(ctx, args.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": args.ID, "text": text}, nil
		})
}

type uploadArgs struct {
	OrganizationID string `json:"organization_id"`
	UploaderID     string `json:"uploader_id"`
	Filename       string `json:"filename"`
	MIMEType       string `json:"mime_type"`
	Description    string `json:"description"`
	DataBase64     string `json:"data_base64"`
}

type idArgs struct {
	ID string `json:"id"`
}

func idTool(name, description string) *mcp.Tool {
	return &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Attachment id"},
		}, []string{"id"}),
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

// registerTool decodes the arguments into A, calls fn and returns its result
// as JSON text. Failures become tool errors, never protocol errors.
func registerTool[A any](srv *mcp.Server, tool *mcp.Tool, fn func(context.Context, A) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args A
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		out, err := fn(ctx, args)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
