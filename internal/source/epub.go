package source

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/net/html"
)

// EPUB handles .epub files. Content documents are read in spine order and
// title and author come from the package's Dublin Core metadata.
type EPUB struct{}

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Titles   []string `xml:"metadata>title"`
	Creators []string `xml:"metadata>creator"`
	Items    []struct {
		ID         string `xml:"id,attr"`
		Href       string `xml:"href,attr"`
		MediaType  string `xml:"media-type,attr"`
		Properties string `xml:"properties,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

func (e *EPUB) Extract(r io.Reader, filename string) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var container epubContainer
	if err := readXML(files, "META-INF/container.xml", &container); err != nil {
		return nil, err
	}
	if len(container.Rootfiles) == 0 {
		return nil, fmt.Errorf("epub container lists no package")
	}
	opfPath := container.Rootfiles[0].FullPath
	var pkg epubPackage
	if err := readXML(files, opfPath, &pkg); err != nil {
		return nil, err
	}

	out := &Document{}
	if len(pkg.Titles) > 0 {
		out.Title = pkg.Titles[0]
	}
	if len(pkg.Creators) > 0 {
		out.Author = pkg.Creators[0]
	}

	base := path.Dir(opfPath)
	var paras []string
	for _, href := range contentOrder(pkg) {
		name := path.Join(base, href)
		f, ok := files[name]
		if !ok {
			continue
		}
		blocks, err := epubBlocks(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		paras = append(paras, blocks...)
	}

	out.Text = joinParagraphs(paras)
	return finish(out, filename), nil
}

// contentOrder returns XHTML hrefs in spine order, or manifest order when
// the spine is empty. Navigation documents are skipped.
func contentOrder(pkg epubPackage) []string {
	type item struct{ href, mediaType, props string }
	byID := make(map[string]item, len(pkg.Items))
	var manifest []string
	for _, it := range pkg.Items {
		byID[it.ID] = item{it.Href, it.MediaType, it.Properties}
		manifest = append(manifest, it.ID)
	}
	ids := manifest
	if len(pkg.Spine) > 0 {
		ids = make([]string, 0, len(pkg.Spine))
		for _, ref := range pkg.Spine {
			ids = append(ids, ref.IDRef)
		}
	}
	var out []string
	for _, id := range ids {
		it, ok := byID[id]
		if !ok || strings.Contains(it.props, "nav") {
			continue
		}
		if it.mediaType != "application/xhtml+xml" && it.mediaType != "text/html" {
			continue
		}
		out = append(out, it.href)
	}
	return out
}

func epubBlocks(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	root, err := html.Parse(rc)
	if err != nil {
		return nil, err
	}
	body := findElement(root, "body")
	if body == nil {
		body = root
	}
	return walkBlocks(body), nil
}

func readXML(files map[string]*zip.File, name string, v any) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("epub missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}
