package analyze

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/splax/launchpad/internal/domain"
)

// Renderer produces Dockerfile content for projects that do not ship one.
type Renderer struct{}

// NewRenderer constructs a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

type renderData struct {
	Port       int
	EntryPoint string
}

var dockerfileTemplates = map[string]*template.Template{
	"go": template.Must(template.New("go").Parse(`FROM golang:1.24-alpine AS build
WORKDIR /src
COPY go.mod go.sum* ./
RUN go mod download
COPY . .
RUN CGO_ENABLED=0 go build -o /app {{.EntryPoint}}

FROM alpine:3.20
COPY --from=build /app /app
EXPOSE {{.Port}}
CMD ["/app"]
`)),
	"node": template.Must(template.New("node").Parse(`FROM node:22-alpine
WORKDIR /app
COPY package*.json ./
RUN npm ci --omit=dev
COPY . .
EXPOSE {{.Port}}
CMD ["node", "{{.EntryPoint}}"]
`)),
	"python": template.Must(template.New("python").Parse(`FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
COPY . .
EXPOSE {{.Port}}
CMD ["python", "{{.EntryPoint}}"]
`)),
	"static": template.Must(template.New("static").Parse(`FROM nginx:alpine
COPY . /usr/share/nginx/html
EXPOSE {{.Port}}
`)),
}

// Render returns Dockerfile content for the analyzed stack.
func (r *Renderer) Render(analysis domain.Analysis) (string, error) {
	tmpl, ok := dockerfileTemplates[analysis.Language]
	if !ok {
		return "", fmt.Errorf("no dockerfile template for language %q", analysis.Language)
	}
	data := renderData{Port: analysis.Port, EntryPoint: analysis.EntryPoint}
	if data.Port <= 0 {
		data.Port = 8080
	}
	if data.EntryPoint == "" {
		data.EntryPoint = "."
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render dockerfile: %w", err)
	}
	return buf.String(), nil
}
