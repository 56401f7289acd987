package onvif

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseHeader(t *testing.T, xml string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(xml))
	return doc.Root()
}

func TestAuthenticator_BeforeSend(t *testing.T) {
	header := etree.NewElement("s:Header")
	header.CreateElement("a:Action").SetText("urn:test")

	first := etree.NewElement("x:First")
	second := etree.NewElement("x:Second")
	auth := &Authenticator{Headers: []*etree.Element{first, second}}
	auth.BeforeSend(header)

	children := header.ChildElements()
	require.Len(t, children, 3)
	assert.Equal(t, "First", children[0].Tag)
	assert.Equal(t, "Second", children[1].Tag)
	assert.Equal(t, "Action", children[2].Tag)

	// the configured headers are copied, not moved
	assert.Nil(t, first.Parent())
	auth.BeforeSend(header)
	assert.Len(t, header.ChildElements(), 5)
}

func TestAuthenticator_BeforeSend_Empty(t *testing.T) {
	header := etree.NewElement("s:Header")

	var nilAuth *Authenticator
	assert.NotPanics(t, func() { nilAuth.BeforeSend(header) })
	assert.NotPanics(t, func() { (&Authenticator{}).BeforeSend(header) })
	assert.NotPanics(t, func() { (&Authenticator{Headers: []*etree.Element{nil}}).BeforeSend(header) })
	assert.Empty(t, header.ChildElements())
}

func TestAuthenticator_AfterReceive(t *testing.T) {
	header := parseHeader(t, `<s:Header xmlns:s="http://www.w3.org/2003/05/soap-envelope"
		xmlns:wsse="`+wsseNamespace+`" xmlns:x="urn:other">
		<wsse:Security s:mustUnderstand="1"><wsse:Timestamp/></wsse:Security>
		<x:Security s:mustUnderstand="1"/>
		<x:Other/>
	</s:Header>`)

	understood := (&Authenticator{}).AfterReceive(header)
	require.Len(t, understood, 1)
	assert.Equal(t, wsseNamespace, understood[0].NamespaceURI())

	var nilAuth *Authenticator
	assert.Len(t, nilAuth.AfterReceive(header), 1)
	assert.Nil(t, nilAuth.AfterReceive(nil))
}

func TestHeaderUnderstood(t *testing.T) {
	header := parseHeader(t, `<s:Header xmlns:s="http://www.w3.org/2003/05/soap-envelope"
		xmlns:a="`+addressingNamespace+`" xmlns:wsse="`+wsseNamespace+`" xmlns:x="urn:other">
		<a:Action s:mustUnderstand="1">urn:reply</a:Action>
		<wsse:Security s:mustUnderstand="1"/>
		<x:Optional/>
		<x:Optional s:mustUnderstand="0"/>
		<x:Required s:mustUnderstand="true"/>
		<x:Required s:mustUnderstand="1"/>
	</s:Header>`)
	understood := (&Authenticator{}).AfterReceive(header)

	var got []bool
	for _, h := range header.ChildElements() {
		got = append(got, headerUnderstood(h, understood))
	}
	assert.Equal(t, []bool{true, true, true, true, false, false}, got)
}
