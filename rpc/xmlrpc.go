package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// This file hand-rolls the XML-RPC wire codec on encoding/xml. See
// DESIGN.md: the one ecosystem candidate (divan/gorilla-xmlrpc) only
// exposes its codec bound to gorilla/rpc's "Service.Method" reflection
// dispatch, which can't address this server's flat snake_case method names
// or its explicit validator-registry design, so there is no pack-or-
// ecosystem library left to wire here.

type xmlMethodCall struct {
	XMLName    xml.Name   `xml:"methodCall"`
	MethodName string     `xml:"methodName"`
	Params     []xmlParam `xml:"params>param"`
}

type xmlParam struct {
	Value xmlValue `xml:"value"`
}

type xmlValue struct {
	String  *string     `xml:"string"`
	Int     *int64      `xml:"int"`
	I4      *int64      `xml:"i4"`
	Boolean *int        `xml:"boolean"`
	Double  *float64    `xml:"double"`
	Array   *xmlArray   `xml:"array"`
	Struct  *xmlStruct  `xml:"struct"`
	Base64  *string     `xml:"base64"`
	Raw     string      `xml:",chardata"`
}

type xmlArray struct {
	Values []xmlValue `xml:"data>value"`
}

type xmlStruct struct {
	Members []xmlMember `xml:"member"`
}

type xmlMember struct {
	Name  string   `xml:"name"`
	Value xmlValue `xml:"value"`
}

type xmlMethodResponse struct {
	XMLName xml.Name    `xml:"methodResponse"`
	Params  []xmlParam  `xml:"params>param,omitempty"`
	Fault   *xmlFault   `xml:"fault,omitempty"`
}

type xmlFault struct {
	Value xmlValue `xml:"value"`
}

// decodeCall parses an XML-RPC methodCall body into a method name and a
// slice of native Go params (string, int64, bool, float64,
// []interface{}, map[string]interface{}).
func decodeCall(body []byte) (string, []interface{}, error) {
	var call xmlMethodCall
	if err := xml.Unmarshal(body, &call); err != nil {
		return "", nil, errors.Wrap(err, "decode xml-rpc methodCall")
	}
	if call.MethodName == "" {
		return "", nil, errors.New("missing methodName")
	}
	params := make([]interface{}, 0, len(call.Params))
	for _, p := range call.Params {
		v, err := p.Value.native()
		if err != nil {
			return "", nil, err
		}
		params = append(params, v)
	}
	return call.MethodName, params, nil
}

func (v xmlValue) native() (interface{}, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil:
		return *v.Int, nil
	case v.I4 != nil:
		return *v.I4, nil
	case v.Boolean != nil:
		return *v.Boolean != 0, nil
	case v.Double != nil:
		return *v.Double, nil
	case v.Base64 != nil:
		return *v.Base64, nil
	case v.Array != nil:
		out := make([]interface{}, 0, len(v.Array.Values))
		for _, e := range v.Array.Values {
			n, err := e.native()
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]interface{}, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			n, err := m.Value.native()
			if err != nil {
				return nil, err
			}
			out[m.Name] = n
		}
		return out, nil
	default:
		// Bare <value>text</value> defaults to string per the XML-RPC spec.
		return strings.TrimSpace(v.Raw), nil
	}
}

// encodeResponse serializes result (or err, as a fault) as an XML-RPC
// methodResponse.
func encodeResponse(result interface{}, err error) ([]byte, error) {
	var resp xmlMethodResponse
	if err != nil {
		resp.Fault = &xmlFault{Value: structValue(map[string]interface{}{
			"faultCode":   int64(1),
			"faultString": err.Error(),
		})}
	} else {
		v, encErr := toXMLValue(reflect.ValueOf(result))
		if encErr != nil {
			return nil, encErr
		}
		resp.Params = []xmlParam{{Value: v}}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(resp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func structValue(m map[string]interface{}) xmlValue {
	members := make([]xmlMember, 0, len(m))
	for k, v := range m {
		mv, _ := toXMLValue(reflect.ValueOf(v))
		members = append(members, xmlMember{Name: k, Value: mv})
	}
	return xmlValue{Struct: &xmlStruct{Members: members}}
}

// toXMLValue marshals a Go value (string, bool, numeric, slice, map, or
// struct with json tags) into its XML-RPC wire representation.
func toXMLValue(rv reflect.Value) (xmlValue, error) {
	if !rv.IsValid() {
		s := ""
		return xmlValue{String: &s}, nil
	}
	switch rv.Kind() {
	case reflect.String:
		s := rv.String()
		return xmlValue{String: &s}, nil
	case reflect.Bool:
		b := 0
		if rv.Bool() {
			b = 1
		}
		return xmlValue{Boolean: &b}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		return xmlValue{Int: &n}, nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return xmlValue{Double: &f}, nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			s := base64.StdEncoding.EncodeToString(rv.Bytes())
			return xmlValue{Base64: &s}, nil
		}
		vals := make([]xmlValue, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := toXMLValue(rv.Index(i))
			if err != nil {
				return xmlValue{}, err
			}
			vals[i] = v
		}
		return xmlValue{Array: &xmlArray{Values: vals}}, nil
	case reflect.Map:
		members := make([]xmlMember, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := toXMLValue(iter.Value())
			if err != nil {
				return xmlValue{}, err
			}
			members = append(members, xmlMember{Name: fmt.Sprint(iter.Key().Interface()), Value: v})
		}
		return xmlValue{Struct: &xmlStruct{Members: members}}, nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			s := ""
			return xmlValue{String: &s}, nil
		}
		return toXMLValue(rv.Elem())
	case reflect.Struct:
		return structFieldsToXML(rv)
	default:
		return xmlValue{}, errors.Errorf("xmlrpc: unsupported result kind %s", rv.Kind())
	}
}

func structFieldsToXML(rv reflect.Value) (xmlValue, error) {
	t := rv.Type()
	members := make([]xmlMember, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			name = strings.Split(tag, ",")[0]
		}
		v, err := toXMLValue(rv.Field(i))
		if err != nil {
			return xmlValue{}, err
		}
		members = append(members, xmlMember{Name: name, Value: v})
	}
	return xmlValue{Struct: &xmlStruct{Members: members}}, nil
}

// paramString/paramInt/optParamInt are small accessors callers use to pull
// typed arguments out of a decoded params slice with a uniform error.
func paramString(params []interface{}, i int) (string, error) {
	if i >= len(params) {
		return "", errors.Errorf("missing parameter %d", i)
	}
	s, ok := params[i].(string)
	if !ok {
		return "", errors.Errorf("parameter %d: expected string, got %T", i, params[i])
	}
	return s, nil
}

func paramInt(params []interface{}, i int) (int64, error) {
	if i >= len(params) {
		return 0, errors.Errorf("missing parameter %d", i)
	}
	switch v := params[i].(type) {
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Errorf("parameter %d: not an integer", i)
		}
		return n, nil
	default:
		return 0, errors.Errorf("parameter %d: expected int, got %T", i, params[i])
	}
}

func optParamInt(params []interface{}, i int, def int64) int64 {
	n, err := paramInt(params, i)
	if err != nil {
		return def
	}
	return n
}
